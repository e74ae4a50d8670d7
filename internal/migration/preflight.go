package migration

import (
	"context"
	"fmt"

	"github.com/rflorenc/org-migrator/internal/bundle"
	"github.com/rflorenc/org-migrator/internal/models"
	"github.com/rflorenc/org-migrator/internal/platform"
)

// Precheck walks a restore of b into destOrgID without modifying the
// destination. Objects that would be created get placeholder ids so that
// reference resolution behaves as in a live run. The destination token must
// have admin privileges on the org.
func Precheck(ctx context.Context, api platform.API, b *models.Bundle, assets bundle.AssetReader, destOrgID string, opts Options) (*models.Report, error) {
	p, err := platform.CheckOrgAccess(ctx, api, destOrgID)
	if err != nil {
		return nil, fmt.Errorf("destination org: %w", err)
	}
	opts.DryRun = true
	if opts.Logger != nil {
		opts.Logger(fmt.Sprintf("Destination privileges OK: %s on %s", p.Role, p.Name))
	}
	return run(ctx, OpPrecheck, api, b, assets, destOrgID, opts)
}
