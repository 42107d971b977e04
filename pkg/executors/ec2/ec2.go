// Package ec2 provisions an EC2 instance per launch and runs commands on it
// over SSH.
package ec2

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/rs/zerolog/log"

	"github.com/aeolus-run/aeolus/pkg/config"
	"github.com/aeolus-run/aeolus/pkg/engine"
	sshexec "github.com/aeolus-run/aeolus/pkg/executors/ssh"
)

// API is the subset of the EC2 client used by the executor.
type API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// Params configures the EC2 executor.
type Params struct {
	AMI           string            `json:"ami_id" yaml:"ami_id" validate:"required"`
	InstanceType  string            `json:"instance_type" yaml:"instance_type" validate:"required"`
	KeyName       string            `json:"key_name" yaml:"key_name" validate:"required"`
	KeyFile       string            `json:"key_file" yaml:"key_file" validate:"required"`
	SecurityGroup string            `json:"security_group" yaml:"security_group" validate:"required"`
	SubnetID      string            `json:"subnet_id,omitempty" yaml:"subnet_id,omitempty"`
	Tags          map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
	User          string            `json:"user,omitempty" yaml:"user,omitempty"`
	Region        string            `json:"region,omitempty" yaml:"region,omitempty"`
	AccessKey     string            `json:"access_key,omitempty" yaml:"access_key,omitempty"`
	SecretKey     string            `json:"secret_key,omitempty" yaml:"secret_key,omitempty"`

	// WaitTimeout bounds the wait for the instance to be running.
	WaitTimeout config.Duration `json:"wait_timeout,omitempty" yaml:"wait_timeout,omitempty"`
}

// Executor is an SSH executor whose target is an instance started by Setup
// and terminated by its teardown.
type Executor struct {
	*sshexec.Executor

	params Params
	api    API
}

var _ engine.Executor = (*Executor)(nil)

// Option configures an Executor.
type Option func(*Executor)

// WithAPI sets the EC2 client instead of loading one from the environment.
func WithAPI(api API) Option {
	return func(e *Executor) {
		e.api = api
	}
}

// New creates an EC2 executor.
func New(params Params, opts ...Option) *Executor {
	if params.User == "" {
		params.User = "ubuntu"
	}
	if params.WaitTimeout <= 0 {
		params.WaitTimeout = config.Duration(10 * time.Minute)
	}

	e := &Executor{
		Executor: sshexec.New(sshexec.Params{KeyFile: params.KeyFile}),
		params:   params,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) client(ctx context.Context) (API, error) {
	if e.api != nil {
		return e.api, nil
	}

	var opts []func(*awsconfig.LoadOptions) error
	if e.params.Region != "" {
		opts = append(opts, awsconfig.WithRegion(e.params.Region))
	}
	if e.params.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(e.params.AccessKey, e.params.SecretKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	e.api = ec2.NewFromConfig(cfg)
	return e.api, nil
}

// Setup starts an instance, waits until it is running and returns
// "<user>@<public dns name>". The teardown terminates the instance.
func (e *Executor) Setup(ctx context.Context) (string, engine.Teardown, error) {
	api, err := e.client(ctx)
	if err != nil {
		return "", nil, err
	}

	input := &ec2.RunInstancesInput{
		ImageId:          aws.String(e.params.AMI),
		InstanceType:     types.InstanceType(e.params.InstanceType),
		KeyName:          aws.String(e.params.KeyName),
		SecurityGroupIds: []string{e.params.SecurityGroup},
		MinCount:         aws.Int32(1),
		MaxCount:         aws.Int32(1),
	}
	if e.params.SubnetID != "" {
		input.SubnetId = aws.String(e.params.SubnetID)
	}
	if len(e.params.Tags) > 0 {
		tags := make([]types.Tag, 0, len(e.params.Tags))
		for _, k := range slices.Sorted(maps.Keys(e.params.Tags)) {
			tags = append(tags, types.Tag{Key: aws.String(k), Value: aws.String(e.params.Tags[k])})
		}
		input.TagSpecifications = []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         tags,
		}}
	}

	out, err := api.RunInstances(ctx, input)
	if err != nil {
		return "", nil, fmt.Errorf("run instance: %w", err)
	}
	if len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
		return "", nil, errors.New("run instance: no instance returned")
	}
	id := aws.ToString(out.Instances[0].InstanceId)
	log.Info().Str("instance_id", id).Msg("started EC2 instance")

	teardown := func(ctx context.Context) error {
		log.Info().Str("instance_id", id).Msg("terminating EC2 instance")
		_, err := api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}})
		if err != nil {
			return fmt.Errorf("terminate instance %s: %w", id, err)
		}
		return nil
	}

	dns, err := e.waitRunning(ctx, api, id)
	if err != nil {
		return "", nil, errors.Join(err, teardown(context.WithoutCancel(ctx)))
	}

	return e.params.User + "@" + dns, teardown, nil
}

func (e *Executor) waitRunning(ctx context.Context, api API, id string) (string, error) {
	waiter := ec2.NewInstanceRunningWaiter(api, func(o *ec2.InstanceRunningWaiterOptions) {
		o.MinDelay = 2 * time.Second
		o.MaxDelay = 15 * time.Second
	})

	out, err := waiter.WaitForOutput(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}}, e.params.WaitTimeout.Std())
	if err != nil {
		return "", fmt.Errorf("wait for instance %s: %w", id, err)
	}

	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if aws.ToString(inst.InstanceId) == id && aws.ToString(inst.PublicDnsName) != "" {
				return aws.ToString(inst.PublicDnsName), nil
			}
		}
	}
	return "", fmt.Errorf("instance %s has no public DNS name", id)
}
