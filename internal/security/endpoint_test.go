package security

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProductionPolicy(t *testing.T) {
	tests := []struct {
		url        string
		production bool
		wantErr    bool
	}{
		{"https://93.184.216.34/hooks", true, false},
		{"http://93.184.216.34/hooks", true, true}, // production requires https
		{"ftp://93.184.216.34/x", true, true},
		{"https:///nohost", true, true},
		{"https://localhost:9000/hook", true, true},
		{"https://127.0.0.1:9000/hook", true, true},
		{"https://10.0.0.5/hook", true, true},
		{"https://100.64.1.1/hook", true, true},
		{"https://169.254.169.254/latest", true, true},
		{"https://0.0.0.0/hook", true, true},
		{"https://[::ffff:127.0.0.1]/hook", true, true},
		{"http://10.0.0.5/hook", false, false},
		{"http://localhost:9000/hook", false, false},
	}
	for _, tt := range tests {
		err := ProductionPolicy(tt.production).Check(context.Background(), tt.url)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrEndpointNotAllowed, tt.url)
		} else {
			assert.NoError(t, err, tt.url)
		}
	}
}

func TestEndpointPolicy_ResolvedAddresses(t *testing.T) {
	resolveTo := func(addrs ...string) func(context.Context, string) ([]netip.Addr, error) {
		return func(context.Context, string) ([]netip.Addr, error) {
			out := make([]netip.Addr, 0, len(addrs))
			for _, a := range addrs {
				out = append(out, netip.MustParseAddr(a))
			}
			return out, nil
		}
	}
	ctx := context.Background()

	public := EndpointPolicy{RequireTLS: true, Lookup: resolveTo("93.184.216.34")}
	assert.NoError(t, public.Check(ctx, "https://intel.example.com/v1/ip"))

	rebinding := EndpointPolicy{Lookup: resolveTo("93.184.216.34", "10.1.2.3")}
	assert.ErrorIs(t, rebinding.Check(ctx, "https://hooks.example.com"), ErrEndpointNotAllowed)

	unresolvable := EndpointPolicy{Lookup: func(context.Context, string) ([]netip.Addr, error) {
		return nil, errors.New("no such host")
	}}
	assert.ErrorIs(t, unresolvable.Check(ctx, "https://nowhere.invalid"), ErrEndpointNotAllowed)
}
