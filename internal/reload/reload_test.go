package reload_test

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vaultpilot/vaultpilot/internal/credential"
	"github.com/vaultpilot/vaultpilot/internal/logging"
	"github.com/vaultpilot/vaultpilot/internal/reload"
)

type fakeECSClient struct {
	updates []*ecs.UpdateServiceInput
	err     error
}

func (c *fakeECSClient) UpdateService(ctx context.Context, params *ecs.UpdateServiceInput, optFns ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error) {
	if c.err != nil {
		return nil, c.err
	}
	c.updates = append(c.updates, params)
	return &ecs.UpdateServiceOutput{}, nil
}

func TestReloadForcesNewDeployment(t *testing.T) {
	client := &fakeECSClient{}
	r := reload.NewECSReloader(client, logging.New(false, true))

	cred := credential.Credential{
		ID: "cred-1",
		Metadata: map[string]string{
			"ecsCluster": "prod",
			"ecsService": "payments-api",
		},
	}
	require.NoError(t, r.Reload(context.Background(), cred))
	require.Len(t, client.updates, 1)
	assert.Equal(t, "prod", *client.updates[0].Cluster)
	assert.Equal(t, "payments-api", *client.updates[0].Service)
	assert.True(t, client.updates[0].ForceNewDeployment)
}

func TestReloadWithoutMetadataIsNoop(t *testing.T) {
	client := &fakeECSClient{}
	r := reload.NewECSReloader(client, logging.New(false, true))

	require.NoError(t, r.Reload(context.Background(), credential.Credential{ID: "cred-1"}))
	assert.Empty(t, client.updates)
}

func TestReloadPropagatesFailureForCallerToLog(t *testing.T) {
	client := &fakeECSClient{err: errors.New("cluster not found")}
	r := reload.NewECSReloader(client, logging.New(false, true))

	cred := credential.Credential{
		ID:       "cred-1",
		Metadata: map[string]string{"ecsCluster": "prod", "ecsService": "x"},
	}
	assert.Error(t, r.Reload(context.Background(), cred))
}
