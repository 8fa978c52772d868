package upstream

import (
	"context"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// checkKeyViaSDK validates a provider key with the cheapest authenticated
// call available: listing models through the official SDK.
func checkKeyViaSDK(ctx context.Context, key string) error {
	client, err := genai.NewClient(ctx, option.WithAPIKey(key))
	if err != nil {
		return fmt.Errorf("failed to create client for key check: %w", err)
	}
	defer client.Close()

	it := client.ListModels(ctx)
	if _, err := it.Next(); err != nil && err != iterator.Done {
		return fmt.Errorf("key check failed: %w", err)
	}
	return nil
}
