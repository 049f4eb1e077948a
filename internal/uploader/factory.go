package uploader

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/sdsync/sdsync/internal/config"
)

// BuildRegistry constructs backends from configuration and registers
// them in declaration order.
func BuildRegistry(cfgs []config.BackendConfig, logger *slog.Logger) (*Registry, error) {
	reg := NewRegistry()
	for _, c := range cfgs {
		var b Backend
		switch strings.ToLower(c.Type) {
		case "smb":
			b = NewSMB(SMBOptions{
				Name:     c.Name,
				Address:  c.Address,
				Share:    c.Share,
				Username: c.Username,
				Password: c.Password,
				BasePath: c.BasePath,
				Logger:   logger,
			})
		case "webdav":
			b = NewWebDAV(WebDAVOptions{
				Name:     c.Name,
				Address:  c.Address,
				Username: c.Username,
				Password: c.Password,
				BasePath: c.BasePath,
				Logger:   logger,
			})
		case "cloud":
			b = NewCloud(CloudOptions{
				Name:     c.Name,
				BaseURL:  c.Address,
				TokenURL: c.TokenURL,
				ClientID: c.ClientID,
				Secret:   c.Secret,
				TeamID:   c.TeamID,
				Logger:   logger,
			})
		default:
			return nil, fmt.Errorf("unknown backend type %q", c.Type)
		}
		if err := reg.Register(b); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
