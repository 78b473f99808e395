package provider

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	bedrocktypes "github.com/aws/aws-sdk-go-v2/service/bedrock/types"
)

// FoundationModel describes a Bedrock model that accepts text.
type FoundationModel struct {
	ID        string `json:"id"`
	Provider  string `json:"provider"`
	Name      string `json:"name"`
	Streaming bool   `json:"streaming"`
	Lifecycle string `json:"lifecycle,omitempty"`
}

type foundationModelLister interface {
	ListFoundationModels(ctx context.Context, params *bedrock.ListFoundationModelsInput, optFns ...func(*bedrock.Options)) (*bedrock.ListFoundationModelsOutput, error)
}

// ListBedrockModels lists the text models available in region.
func ListBedrockModels(ctx context.Context, region string) ([]FoundationModel, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return listFoundationModels(ctx, bedrock.NewFromConfig(cfg))
}

func listFoundationModels(ctx context.Context, client foundationModelLister) ([]FoundationModel, error) {
	out, err := client.ListFoundationModels(ctx, &bedrock.ListFoundationModelsInput{
		ByOutputModality: bedrocktypes.ModelModalityText,
	})
	if err != nil {
		return nil, wrapBedrockError(ctx, err)
	}

	models := make([]FoundationModel, 0, len(out.ModelSummaries))
	for _, s := range out.ModelSummaries {
		m := FoundationModel{
			ID:        aws.ToString(s.ModelId),
			Provider:  aws.ToString(s.ProviderName),
			Name:      aws.ToString(s.ModelName),
			Streaming: aws.ToBool(s.ResponseStreamingSupported),
		}
		if s.ModelLifecycle != nil {
			m.Lifecycle = string(s.ModelLifecycle.Status)
		}
		models = append(models, m)
	}
	slices.SortFunc(models, func(a, b FoundationModel) int { return strings.Compare(a.ID, b.ID) })
	return models, nil
}
