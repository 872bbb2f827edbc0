package credential

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

type invalidator interface {
	Invalidate()
}

// FromAWS adapts an SDK credentials provider. Caching providers are
// invalidated before each retrieve so a refresh always reaches the chain.
func FromAWS(p aws.CredentialsProvider) Source {
	return SourceFunc(func(ctx context.Context) (Credential, error) {
		if inv, ok := p.(invalidator); ok {
			inv.Invalidate()
		}
		c, err := p.Retrieve(ctx)
		if err != nil {
			return Credential{}, err
		}
		out := Credential{
			AccessKeyID:  c.AccessKeyID,
			Secret:       c.SecretAccessKey,
			SessionToken: c.SessionToken,
			Source:       c.Source,
		}
		if c.CanExpire {
			out.Expires = c.Expires
		}
		return out, nil
	})
}

// AWSProvider returns an SDK provider pinned to c.
func (c Credential) AWSProvider() aws.CredentialsProvider {
	return credentials.NewStaticCredentialsProvider(c.AccessKeyID, c.Secret, c.SessionToken)
}

// AWSProvider exposes the store to SDK clients that resolve credentials
// per request.
func (s *Store) AWSProvider() aws.CredentialsProvider {
	return aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		c, err := s.Get(ctx)
		if err != nil {
			return aws.Credentials{}, err
		}
		return aws.Credentials{
			AccessKeyID:     c.AccessKeyID,
			SecretAccessKey: c.Secret,
			SessionToken:    c.SessionToken,
			Source:          "vai-relay-store",
			CanExpire:       c.CanExpire(),
			Expires:         c.Expires,
		}, nil
	})
}
