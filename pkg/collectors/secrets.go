package collectors

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// BatchGetSecretValue accepts at most this many secret ids per call.
const batchGetLimit = 20

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SecretsClient is the part of the Secrets Manager API the registry uses.
type SecretsClient interface {
	secretsmanager.ListSecretsAPIClient
	BatchGetSecretValue(ctx context.Context, params *secretsmanager.BatchGetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.BatchGetSecretValueOutput, error)
}

// fetchCollectors lists every secret under prefix and parses the ones it can.
// Individual secrets that are missing or invalid are logged and left out; only
// failed API calls are returned as errors.
func fetchCollectors(ctx context.Context, client SecretsClient, prefix, signingRegion string, logger log.Logger) (map[string]*Collector, error) {
	names, err := listSecretNames(ctx, client, prefix)
	if err != nil {
		return nil, err
	}

	collectors := make(map[string]*Collector, len(names))
	for start := 0; start < len(names); start += batchGetLimit {
		end := min(start+batchGetLimit, len(names))

		input := &secretsmanager.BatchGetSecretValueInput{SecretIdList: names[start:end]}
		for {
			out, err := client.BatchGetSecretValue(ctx, input)
			if err != nil {
				return nil, errors.Wrap(err, "fetching collector secrets")
			}

			for _, e := range out.Errors {
				level.Warn(logger).Log("msg", "skipping collector secret", "secret", aws.ToString(e.SecretId), "code", aws.ToString(e.ErrorCode), "err", aws.ToString(e.Message))
			}
			for _, v := range out.SecretValues {
				c, err := parseSecret(v, prefix, signingRegion)
				if err != nil {
					level.Warn(logger).Log("msg", "skipping invalid collector secret", "secret", aws.ToString(v.Name), "err", err)
					continue
				}
				if _, ok := collectors[c.Name]; ok {
					level.Warn(logger).Log("msg", "duplicate collector name, keeping the first", "collector", c.Name, "secret", aws.ToString(v.Name))
					continue
				}
				collectors[c.Name] = c
			}

			if aws.ToString(out.NextToken) == "" {
				break
			}
			input.NextToken = out.NextToken
		}
	}
	return collectors, nil
}

func listSecretNames(ctx context.Context, client SecretsClient, prefix string) ([]string, error) {
	p := secretsmanager.NewListSecretsPaginator(client, &secretsmanager.ListSecretsInput{
		Filters: []types.Filter{{
			Key:    types.FilterNameStringTypeName,
			Values: []string{prefix},
		}},
	})

	var names []string
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "listing collector secrets")
		}
		for _, s := range page.SecretList {
			// The name filter matches prefixes of words, not of the whole name.
			if name := aws.ToString(s.Name); strings.HasPrefix(name, prefix) {
				names = append(names, name)
			}
		}
	}
	return names, nil
}

func parseSecret(v types.SecretValueEntry, prefix, signingRegion string) (*Collector, error) {
	if v.SecretString == nil {
		return nil, errors.New("secret has no string value")
	}

	var entry secretEntry
	if err := json.Unmarshal([]byte(*v.SecretString), &entry); err != nil {
		return nil, errors.Wrap(err, "decoding secret")
	}
	if entry.Name == "" {
		entry.Name = strings.TrimPrefix(aws.ToString(v.Name), prefix)
	}
	return NewCollector(entry.Name, entry.Endpoint, entry.Auth, signingRegion)
}
