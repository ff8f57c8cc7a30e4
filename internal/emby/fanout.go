package emby

import (
	"context"

	"emby-panel/internal/apperr"
	"emby-panel/internal/model"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Failure records a server whose contribution to a fan-out was dropped.
type Failure struct {
	ServerID   string `json:"server_id"`
	ServerName string `json:"server_name"`
	Error      string `json:"error"`
}

// FanOut runs fn against every server concurrently and concatenates the
// results in server order. A failing server contributes nothing and is
// reported in the returned failures instead of aborting the others.
func FanOut[T any](ctx context.Context, servers []model.Server, newClient Factory, fn func(context.Context, *Client) ([]T, error)) ([]T, []Failure) {
	results := make([][]T, len(servers))
	errs := make([]error, len(servers))

	var g errgroup.Group
	for i, server := range servers {
		g.Go(func() error {
			items, err := fn(ctx, newClient(server))
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i] = items
			return nil
		})
	}
	_ = g.Wait()

	var (
		out      []T
		failures []Failure
	)
	for i, server := range servers {
		if errs[i] != nil {
			zap.L().Named("emby").Warn("server dropped from fan-out",
				zap.String("server_id", server.ID),
				zap.String("server_name", server.Name),
				zap.Error(errs[i]))
			failures = append(failures, Failure{ServerID: server.ID, ServerName: server.Name, Error: apperr.PublicMessage(errs[i])})
			continue
		}
		out = append(out, results[i]...)
	}
	return out, failures
}
