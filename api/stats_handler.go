package api

import (
	"fmt"
	"net/http"

	"github.com/xraph/forge"
)

func (a *API) getStats(ctx forge.Context) error {
	snapshot, err := a.stats.Snapshot(ctx.Context())
	if err != nil {
		return fmt.Errorf("stats snapshot: %w", err)
	}

	return ctx.JSON(http.StatusOK, snapshot)
}
