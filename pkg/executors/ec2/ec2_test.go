package ec2

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/aeolus-run/aeolus/pkg/config"
)

type fakeEC2 struct {
	mu          sync.Mutex
	runInput    *ec2.RunInstancesInput
	runErr      error
	dnsName     string
	state       types.InstanceStateName
	terminated  []string
	describeErr error
}

func (f *fakeEC2) RunInstances(_ context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runInput = in
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &ec2.RunInstancesOutput{
		Instances: []types.Instance{{InstanceId: aws.String("i-0123")}},
	}, nil
}

func (f *fakeEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.describeErr != nil {
		return nil, f.describeErr
	}
	return &ec2.DescribeInstancesOutput{
		Reservations: []types.Reservation{{
			Instances: []types.Instance{{
				InstanceId:    aws.String(in.InstanceIds[0]),
				PublicDnsName: aws.String(f.dnsName),
				State:         &types.InstanceState{Name: f.state},
			}},
		}},
	}, nil
}

func (f *fakeEC2) TerminateInstances(_ context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminated = append(f.terminated, in.InstanceIds...)
	return &ec2.TerminateInstancesOutput{}, nil
}

func testParams() Params {
	return Params{
		AMI:           "ami-123",
		InstanceType:  "t3.micro",
		KeyName:       "deploy",
		KeyFile:       "/keys/deploy.pem",
		SecurityGroup: "sg-1",
		Tags:          map[string]string{"Name": "aeolus", "Env": "test"},
	}
}

func TestSetupStartsAndTerminatesInstance(t *testing.T) {
	ctx := context.Background()
	api := &fakeEC2{dnsName: "ec2-1-2-3-4.compute.amazonaws.com", state: types.InstanceStateNameRunning}
	e := New(testParams(), WithAPI(api))

	address, teardown, err := e.Setup(ctx)
	if err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if address != "ubuntu@ec2-1-2-3-4.compute.amazonaws.com" {
		t.Errorf("address = %q", address)
	}

	in := api.runInput
	if aws.ToString(in.ImageId) != "ami-123" || in.InstanceType != types.InstanceType("t3.micro") {
		t.Errorf("RunInstances input = %+v", in)
	}
	if aws.ToInt32(in.MinCount) != 1 || aws.ToInt32(in.MaxCount) != 1 {
		t.Errorf("instance count = %d..%d, want 1", aws.ToInt32(in.MinCount), aws.ToInt32(in.MaxCount))
	}
	if len(in.SecurityGroupIds) != 1 || in.SecurityGroupIds[0] != "sg-1" {
		t.Errorf("security groups = %v", in.SecurityGroupIds)
	}
	if len(in.TagSpecifications) != 1 || len(in.TagSpecifications[0].Tags) != 2 ||
		aws.ToString(in.TagSpecifications[0].Tags[0].Key) != "Env" {
		t.Errorf("tags = %+v", in.TagSpecifications)
	}

	if len(api.terminated) != 0 {
		t.Fatalf("instance terminated before teardown: %v", api.terminated)
	}
	if err := teardown(ctx); err != nil {
		t.Fatalf("teardown() error = %v", err)
	}
	if len(api.terminated) != 1 || api.terminated[0] != "i-0123" {
		t.Errorf("terminated = %v, want [i-0123]", api.terminated)
	}
}

func TestSetupCustomUser(t *testing.T) {
	api := &fakeEC2{dnsName: "host.example", state: types.InstanceStateNameRunning}
	params := testParams()
	params.User = "ec2-user"

	address, _, err := New(params, WithAPI(api)).Setup(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if address != "ec2-user@host.example" {
		t.Errorf("address = %q", address)
	}
}

func TestSetupRunFailure(t *testing.T) {
	api := &fakeEC2{runErr: errors.New("quota exceeded")}

	_, _, err := New(testParams(), WithAPI(api)).Setup(context.Background())
	if err == nil {
		t.Fatal("Setup() error = nil")
	}
	if len(api.terminated) != 0 {
		t.Errorf("terminated = %v, want none", api.terminated)
	}
}

func TestSetupWaitFailureTerminates(t *testing.T) {
	api := &fakeEC2{state: types.InstanceStateNameTerminated}
	params := testParams()
	params.WaitTimeout = config.Duration(5 * time.Second)

	_, _, err := New(params, WithAPI(api)).Setup(context.Background())
	if err == nil {
		t.Fatal("Setup() error = nil for an instance that never runs")
	}
	if len(api.terminated) != 1 {
		t.Errorf("terminated = %v, want the started instance", api.terminated)
	}
}

func TestSetupWithoutPublicDNS(t *testing.T) {
	api := &fakeEC2{state: types.InstanceStateNameRunning}

	_, _, err := New(testParams(), WithAPI(api)).Setup(context.Background())
	if err == nil {
		t.Fatal("Setup() error = nil without a public DNS name")
	}
	if len(api.terminated) != 1 {
		t.Errorf("terminated = %v, want the started instance", api.terminated)
	}
}
