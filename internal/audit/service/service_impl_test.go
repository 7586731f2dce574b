package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/alertbilling/internal/audit/domain"
	"github.com/smallbiznis/alertbilling/internal/audit/repository"
	"github.com/smallbiznis/alertbilling/internal/clock"
	"github.com/smallbiznis/alertbilling/internal/testutil"
	"github.com/smallbiznis/alertbilling/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T, clk *clock.FakeClock) auditdomain.Service {
	t.Helper()
	db := testutil.OpenDB(t)
	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	return NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Repo:  repository.Provide(),
		Clock: clk,
	})
}

func TestRecordMasksAccountNumbers(t *testing.T) {
	clk := clock.NewFakeClock(testutil.Epoch)
	svc := newTestService(t, clk)
	ctx := context.Background()

	require.NoError(t, svc.Record(ctx, nil, auditdomain.Entry{
		Action:     auditdomain.ActionConsolidate,
		TargetType: auditdomain.TargetDirectDebit,
		TargetID:   "42",
		Metadata: map[string]any{
			"source_account": "0123456789",
			"item_count":     3,
		},
	}))

	resp, err := svc.List(ctx, auditdomain.ListAuditLogRequest{Action: auditdomain.ActionConsolidate})
	require.NoError(t, err)
	require.Len(t, resp.AuditLogs, 1)

	entry := resp.AuditLogs[0]
	assert.Equal(t, string(auditdomain.ActorTypeSystem), entry.ActorType)
	require.NotNil(t, entry.TargetID)
	assert.Equal(t, "42", *entry.TargetID)
	assert.Nil(t, entry.ActorID)
	assert.Equal(t, "*****6789", entry.Metadata["source_account"])
}

func TestRecordRequiresAction(t *testing.T) {
	svc := newTestService(t, clock.NewFakeClock(testutil.Epoch))
	err := svc.Record(context.Background(), nil, auditdomain.Entry{Action: "  "})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidAction)
}

func TestListPaginates(t *testing.T) {
	clk := clock.NewFakeClock(testutil.Epoch)
	svc := newTestService(t, clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Record(ctx, nil, auditdomain.Entry{
			ActorType: auditdomain.ActorTypeOperator,
			ActorID:   "ops@bank",
			Action:    auditdomain.ActionRequeue,
		}))
		clk.Advance(time.Minute)
	}

	first, err := svc.List(ctx, auditdomain.ListAuditLogRequest{Pagination: pagination.Pagination{PageSize: 2}})
	require.NoError(t, err)
	require.Len(t, first.AuditLogs, 2)
	assert.True(t, first.HasMore)
	assert.True(t, first.AuditLogs[0].CreatedAt.After(first.AuditLogs[1].CreatedAt))

	second, err := svc.List(ctx, auditdomain.ListAuditLogRequest{Pagination: pagination.Pagination{PageSize: 2, PageToken: first.NextPageToken}})
	require.NoError(t, err)
	require.Len(t, second.AuditLogs, 1)
	assert.False(t, second.HasMore)

	_, err = svc.List(ctx, auditdomain.ListAuditLogRequest{Pagination: pagination.Pagination{PageToken: "not-a-token"}})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidPageToken)

	start := testutil.Epoch.Add(time.Hour)
	end := testutil.Epoch
	_, err = svc.List(ctx, auditdomain.ListAuditLogRequest{StartAt: &start, EndAt: &end})
	assert.ErrorIs(t, err, auditdomain.ErrInvalidTimeRange)
}
