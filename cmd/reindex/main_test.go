// ABOUTME: Tests for the reindex maintenance tool
// ABOUTME: Covers option parsing and dry runs
package main

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/harperreed/broadcast/config"
	"github.com/harperreed/broadcast/kv"
	"github.com/harperreed/broadcast/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseOptions(t *testing.T) {
	opts, err := parseOptions("acme, globex,", "all")
	require.NoError(t, err)
	assert.Equal(t, []string{"acme", "globex"}, opts.orgs)
	assert.Equal(t, []string{models.KindContact, models.KindMember}, opts.kinds)

	opts, err = parseOptions("acme", "member")
	require.NoError(t, err)
	assert.Equal(t, []string{models.KindMember}, opts.kinds)

	_, err = parseOptions("", "all")
	assert.Error(t, err)
	_, err = parseOptions("acme", "deal")
	assert.Error(t, err)
}

func TestReindex(t *testing.T) {
	cfg := config.Default()
	cfg.Index.PageSize = 5
	app := config.NewApp(cfg, kv.NewTestStore(t), zap.NewNop())
	ctx := context.Background()

	// Written straight to the record store so no index exists yet.
	for i := 0; i < 12; i++ {
		require.NoError(t, app.Records.Create(ctx, &models.Record{
			OrgID: "acme", Kind: models.KindContact, IsActive: true,
			FirstName: fmt.Sprintf("C%d", i), LastName: "Test", Email: fmt.Sprintf("c%d@example.com", i),
		}))
	}

	var out bytes.Buffer
	require.NoError(t, reindex(ctx, app, options{orgs: []string{"acme"}, kinds: []string{models.KindContact}, dryRun: true}, &out))
	assert.Contains(t, out.String(), "[DRY RUN] acme/contact: cached none; would write 12 records in 3 pages")

	meta, err := currentMeta(ctx, app.Store, "acme", models.KindContact)
	require.NoError(t, err)
	assert.Nil(t, meta, "dry run must not write")

	out.Reset()
	require.NoError(t, reindex(ctx, app, options{orgs: []string{"acme"}, kinds: []string{models.KindContact, models.KindMember}}, &out))
	assert.Contains(t, out.String(), "acme/contact: cached none; rebuilt 12 records in 3 pages")
	assert.Contains(t, out.String(), "acme/member: cached none; rebuilt 0 records in 0 pages")

	out.Reset()
	require.NoError(t, reindex(ctx, app, options{orgs: []string{"acme"}, kinds: []string{models.KindContact}, invalidate: true}, &out))
	assert.Contains(t, out.String(), "acme/contact: cached 12 records, 3 pages; rebuilt 12 records in 3 pages")
}
