package recovery_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/drs-orchestrator/internal/model"
	"github.com/t77yq/drs-orchestrator/internal/recovery"
	"github.com/t77yq/drs-orchestrator/internal/testutil"
)

func TestNATSClient(t *testing.T) {
	nc, cleanup := testutil.StartNATS(t)
	defer cleanup()

	logger := zap.NewNop()
	fake := testutil.NewFakeRecoveryService()
	responder := recovery.NewResponder(nc, "recovery", fake, logger)
	require.NoError(t, responder.Start(context.Background()))
	defer responder.Stop()

	client := recovery.NewNATSClient(nc, "recovery", 2*time.Second, logger)
	ctx := context.Background()

	t.Run("Submit and Get Job", func(t *testing.T) {
		resp, err := client.SubmitJob(ctx, recovery.SubmitJobRequest{
			Region:    "us-east-1",
			IsDrill:   true,
			ServerIDs: []string{"s-1", "s-2"},
		})
		require.NoError(t, err)
		assert.NotEmpty(t, resp.JobID)
		assert.Equal(t, model.JobStatusPending, resp.Status)

		fake.LaunchAll(resp.JobID)

		job, err := client.GetJob(ctx, "us-east-1", resp.JobID)
		require.NoError(t, err)
		assert.Equal(t, model.JobStatusCompleted, job.Status)
		require.Len(t, job.Participants, 2)
		assert.Equal(t, "LAUNCHED", job.Participants[0].LaunchStatus)
		assert.Equal(t, "i-s-1", job.Participants[0].InstanceID)
	})

	t.Run("List Active Jobs", func(t *testing.T) {
		fake.AddActiveJob("eu-west-1", "external-1", "s-9")

		jobs, err := client.ListActiveJobs(ctx, "eu-west-1")
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, "external-1", jobs[0].JobID)
		assert.Equal(t, []string{"s-9"}, jobs[0].ServerIDs)
	})

	t.Run("Resolve Tagged Servers", func(t *testing.T) {
		tags := map[string]string{"tier": "db"}
		fake.RegisterTags("us-east-1", tags, "s-db-1", "s-db-2")

		ids, err := client.ResolveTaggedServers(ctx, "us-east-1", tags)
		require.NoError(t, err)
		assert.Equal(t, []string{"s-db-1", "s-db-2"}, ids)
	})

	t.Run("Describe Instances", func(t *testing.T) {
		fake.RegisterInstance(model.InstanceDetails{InstanceID: "i-1", PrivateIP: "10.0.0.5", Hostname: "ip-10-0-0-5"})

		details, err := client.DescribeInstances(ctx, "us-east-1", []string{"i-1", "i-2"})
		require.NoError(t, err)
		require.Len(t, details, 1)
		assert.Equal(t, "10.0.0.5", details["i-1"].PrivateIP)
	})

	t.Run("Service Error Preserved Verbatim", func(t *testing.T) {
		fake.SubmitErr = errors.New("ConflictException: source server s-1 is already being recovered")
		defer func() { fake.SubmitErr = nil }()

		_, err := client.SubmitJob(ctx, recovery.SubmitJobRequest{Region: "us-east-1", ServerIDs: []string{"s-1"}})
		require.Error(t, err)
		assert.True(t, recovery.IsServiceError(err))
		assert.Equal(t, "ConflictException: source server s-1 is already being recovered", err.Error())
	})
}

func TestNATSClientNoResponder(t *testing.T) {
	nc, cleanup := testutil.StartNATS(t)
	defer cleanup()

	client := recovery.NewNATSClient(nc, "recovery", 500*time.Millisecond, zap.NewNop())

	_, err := client.GetJob(context.Background(), "us-east-1", "drsjob-1")
	require.Error(t, err)
	assert.False(t, recovery.IsServiceError(err))
}
