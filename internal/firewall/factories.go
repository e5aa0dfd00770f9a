package firewall

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/wafguard/wafguard/internal/model"
)

// RegisterBuiltins wires the two firewall providers this module ships
// with into registry, under the provider tags integrations reference.
func RegisterBuiltins(registry *Registry, callTimeout time.Duration) {
	registry.Register("http", func(in model.Integration, credentials []byte) (Provider, error) {
		var creds struct {
			BaseURL string `json:"base_url"`
			Token   string `json:"token"`
		}
		if err := json.Unmarshal(credentials, &creds); err != nil {
			return nil, errors.Wrapf(err, "decoding http credentials for integration %d", in.ID)
		}
		return NewHTTPProvider(HTTPConfig{
			BaseURL: creds.BaseURL,
			Token:   creds.Token,
			Timeout: callTimeout,
		}), nil
	})

	registry.Register("nft", func(in model.Integration, credentials []byte) (Provider, error) {
		var creds struct {
			SetName string `json:"set_name"`
			Table   string `json:"table"`
			Family  string `json:"family"`
		}
		if err := json.Unmarshal(credentials, &creds); err != nil {
			return nil, errors.Wrapf(err, "decoding nft credentials for integration %d", in.ID)
		}
		return NewExecProvider(ExecConfig{
			SetName: creds.SetName,
			Table:   creds.Table,
			Family:  creds.Family,
			Timeout: callTimeout,
		}), nil
	})
}
