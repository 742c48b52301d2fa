package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"

	"slugger-infra/db/state"
	"slugger-infra/decision/iac"
)

// ecrRepositoryHandler manages aws_ecr_repository. Identity is the
// repository ARN.
type ecrRepositoryHandler struct {
	api ECRAPI
}

func (h *ecrRepositoryHandler) Kind() iac.ResourceKind { return iac.KindEcrRepository }

func (h *ecrRepositoryHandler) Create(ctx context.Context, node *iac.ResourceNode) (string, error) {
	a := attrs(node.Attributes)
	out, err := h.api.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName:     aws.String(a.str(iac.AttrName)),
		ImageTagMutability: ecrtypes.ImageTagMutability(a.str(iac.AttrImageTagMutability)),
		ImageScanningConfiguration: &ecrtypes.ImageScanningConfiguration{
			ScanOnPush: a.flag(iac.AttrScanOnPush),
		},
		Tags: ecrTags(a.tags()),
	})
	if err != nil {
		return "", err
	}
	if out.Repository == nil {
		return "", fmt.Errorf("create repository %s returned no repository", a.str(iac.AttrName))
	}
	return aws.ToString(out.Repository.RepositoryArn), nil
}

func (h *ecrRepositoryHandler) Update(ctx context.Context, node *iac.ResourceNode, prior *state.Record) (string, error) {
	a := attrs(node.Attributes)
	name := a.str(iac.AttrName)
	if _, err := h.api.PutImageTagMutability(ctx, &ecr.PutImageTagMutabilityInput{
		RepositoryName:     aws.String(name),
		ImageTagMutability: ecrtypes.ImageTagMutability(a.str(iac.AttrImageTagMutability)),
	}); err != nil {
		return "", err
	}
	if _, err := h.api.PutImageScanningConfiguration(ctx, &ecr.PutImageScanningConfigurationInput{
		RepositoryName:             aws.String(name),
		ImageScanningConfiguration: &ecrtypes.ImageScanningConfiguration{ScanOnPush: a.flag(iac.AttrScanOnPush)},
	}); err != nil {
		return "", err
	}
	if _, err := h.api.TagResource(ctx, &ecr.TagResourceInput{
		ResourceArn: aws.String(prior.RemoteIdentity),
		Tags:        ecrTags(a.tags()),
	}); err != nil {
		return "", err
	}
	if removed := removedTags(a.tags(), prior); len(removed) > 0 {
		if _, err := h.api.UntagResource(ctx, &ecr.UntagResourceInput{
			ResourceArn: aws.String(prior.RemoteIdentity),
			TagKeys:     removed,
		}); err != nil {
			return "", err
		}
	}
	return prior.RemoteIdentity, nil
}

func (h *ecrRepositoryHandler) Destroy(ctx context.Context, prior *state.Record) error {
	a := attrs(prior.LastKnownAttributes)
	name := a.str(iac.AttrName)
	if name == "" {
		name = arnResource(prior.RemoteIdentity)
	}
	_, err := h.api.DeleteRepository(ctx, &ecr.DeleteRepositoryInput{
		RepositoryName: aws.String(name),
		Force:          a.flag(iac.AttrForceDelete),
	})
	return err
}

func (h *ecrRepositoryHandler) Describe(ctx context.Context, prior *state.Record) (map[string]any, bool, error) {
	out, err := h.api.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
		RepositoryNames: []string{arnResource(prior.RemoteIdentity)},
	})
	if err != nil {
		return nil, false, err
	}
	if len(out.Repositories) == 0 {
		return nil, false, nil
	}
	repo := out.Repositories[0]
	live := map[string]any{
		iac.AttrName:               aws.ToString(repo.RepositoryName),
		iac.AttrImageTagMutability: string(repo.ImageTagMutability),
	}
	if repo.ImageScanningConfiguration != nil {
		live[iac.AttrScanOnPush] = repo.ImageScanningConfiguration.ScanOnPush
	}
	tags, err := h.api.ListTagsForResource(ctx, &ecr.ListTagsForResourceInput{ResourceArn: repo.RepositoryArn})
	if err != nil {
		return nil, false, err
	}
	live[iac.AttrTags] = fromECRTags(tags.Tags)
	return live, true, nil
}

func ecrTags(tags map[string]string) []ecrtypes.Tag {
	out := make([]ecrtypes.Tag, 0, len(tags))
	for _, k := range sortedKeys(tags) {
		out = append(out, ecrtypes.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

func fromECRTags(tags []ecrtypes.Tag) map[string]string {
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		out[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return out
}
