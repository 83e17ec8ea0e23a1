package cli

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/fulfillment/jobs"
)

func TestTriggerEnqueuesApprovalReminder(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewJobsCLI(mr.Addr())
	t.Cleanup(func() { _ = c.Close() })

	info, err := c.Trigger(context.Background(), jobs.TaskApprovalReminder, 48*time.Hour)
	require.NoError(t, err)
	require.Equal(t, jobs.TaskApprovalReminder, info.Type)
	require.Equal(t, jobs.QueueDefault, info.Queue)
	require.JSONEq(t, `{"older_than_hours":48}`, string(info.Payload))
}

func TestTriggerRejectsUnknownJob(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewJobsCLI(mr.Addr())
	t.Cleanup(func() { _ = c.Close() })

	_, err := c.Trigger(context.Background(), "analytics:warmup", time.Hour)
	require.ErrorContains(t, err, "unsupported job")
}

func TestRunJobsUsage(t *testing.T) {
	var out bytes.Buffer
	require.Error(t, RunJobs(context.Background(), "127.0.0.1:0", nil, &out))
	require.ErrorContains(t, RunJobs(context.Background(), "127.0.0.1:0", []string{"purge"}, &out), "unknown command")
	require.ErrorContains(t, RunJobs(context.Background(), "127.0.0.1:0", []string{"trigger"}, &out), "usage")
}
