package aws

import (
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/credentials/ec2rolecreds"
	"github.com/aws/aws-sdk-go/aws/ec2metadata"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/autoscaling"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
)

type options struct {
	region          string
	accessKeyID     string
	secretAccessKey string
	sessionToken    string
	retries         int
}

// Builder assembles AWS API clients from command line flags.
type Builder struct {
	options options
}

// Flags returns the flags required.
func (b *Builder) Flags() *pflag.FlagSet {
	flags := pflag.NewFlagSet("aws", pflag.PanicOnError)
	flags.StringVar(&b.options.region, "region", "", "AWS region")
	flags.StringVar(&b.options.accessKeyID, "access-key-id", "", "IAM access key ID")
	flags.StringVar(&b.options.secretAccessKey, "secret-access-key", "", "IAM access key secret")
	flags.StringVar(&b.options.sessionToken, "session-token", "", "AWS STS token")
	flags.IntVar(&b.options.retries, "retries", 5, "Number of retries for AWS API operations")
	return flags
}

func (b *Builder) config() *aws.Config {
	providers := []credentials.Provider{
		&ec2rolecreds.EC2RoleProvider{Client: ec2metadata.New(session.Must(session.NewSession()))},
		&credentials.EnvProvider{},
		&credentials.SharedCredentialsProvider{},
	}

	if (len(b.options.accessKeyID) > 0 && len(b.options.secretAccessKey) > 0) || len(b.options.sessionToken) > 0 {
		staticCreds := credentials.StaticProvider{
			Value: credentials.Value{
				AccessKeyID:     b.options.accessKeyID,
				SecretAccessKey: b.options.secretAccessKey,
				SessionToken:    b.options.sessionToken,
			},
		}
		providers = append(providers, &staticCreds)
	}

	return aws.NewConfig().
		WithRegion(b.options.region).
		WithCredentials(credentials.NewChainCredentials(providers)).
		WithLogger(getLogger()).
		WithMaxRetries(b.options.retries)
}

// BuildEC2Client creates an EC2 API client configured with the Flags.
func (b *Builder) BuildEC2Client() (*ec2.EC2, error) {
	sess, err := session.NewSession(b.config())
	if err != nil {
		return nil, err
	}
	return ec2.New(sess), nil
}

// BuildAutoScalingClient creates an Auto Scaling API client configured with
// the Flags.
func (b *Builder) BuildAutoScalingClient() (*autoscaling.AutoScaling, error) {
	sess, err := session.NewSession(b.config())
	if err != nil {
		return nil, err
	}
	return autoscaling.New(sess), nil
}

type logger struct {
	entry *logrus.Entry
}

func (l logger) Log(args ...interface{}) {
	l.entry.Debugln(args...)
}

func getLogger() aws.Logger {
	return &logger{entry: logrus.WithField("module", "provider/aws")}
}
