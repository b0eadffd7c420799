// Package reload restarts services that consume a rotated credential
// so they pick up the new value. Reloads are best effort: a failed
// restart is logged and never fails the rotation that triggered it.
package reload

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/vaultpilot/vaultpilot/internal/credential"
	"github.com/vaultpilot/vaultpilot/internal/logging"
)

// Metadata keys naming the dependent ECS service.
const (
	metaECSCluster = "ecsCluster"
	metaECSService = "ecsService"
)

// ECSClientAPI is the subset of the ECS client used by the reloader.
type ECSClientAPI interface {
	UpdateService(ctx context.Context, params *ecs.UpdateServiceInput, optFns ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error)
}

// ECSReloader forces a new deployment of the ECS service named in the
// credential's metadata. Tasks restart with the rotated secret.
type ECSReloader struct {
	client ECSClientAPI
	logger *logging.Logger
}

// NewECSReloader creates the reloader.
func NewECSReloader(client ECSClientAPI, logger *logging.Logger) *ECSReloader {
	return &ECSReloader{client: client, logger: logger}
}

// Reload forces a new deployment. Credentials without ECS metadata are
// a no-op.
func (r *ECSReloader) Reload(ctx context.Context, cred credential.Credential) error {
	cluster := cred.Metadata[metaECSCluster]
	service := cred.Metadata[metaECSService]
	if cluster == "" || service == "" {
		return nil
	}

	_, err := r.client.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:            aws.String(cluster),
		Service:            aws.String(service),
		ForceNewDeployment: true,
	})
	if err != nil {
		return err
	}

	r.logger.Info("forced new deployment of %s/%s after rotating %s", cluster, service, cred.ID)
	return nil
}
