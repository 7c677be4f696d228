// Package preflight verifies, before any data is touched, that a principal is
// allowed to call every S3 and SQS action the facades use.
package preflight

import (
	"context"
	"fmt"
	"sort"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/gurre/cloudfacade/aws"
	"github.com/gurre/cloudfacade/logger"
	"github.com/rs/zerolog"
)

var (
	// BucketActions are simulated against the bucket ARN.
	BucketActions = []string{"s3:ListBucket"}

	// ObjectActions are simulated against the bucket's object ARN (bucket/*).
	ObjectActions = []string{"s3:GetObject", "s3:PutObject", "s3:DeleteObject"}

	// QueueActions are simulated against both queue ARNs.
	QueueActions = []string{"sqs:SendMessage", "sqs:ReceiveMessage", "sqs:DeleteMessage"}
)

// Denial is an action the principal may not perform on a resource.
type Denial struct {
	Action   string
	Resource string
	Decision string
}

func (d Denial) String() string {
	return fmt.Sprintf("%s on %s: %s", d.Action, d.Resource, d.Decision)
}

// Target names the resources to check. Empty fields are skipped.
type Target struct {
	BucketARN string
	QueueARN  string
	DLQARN    string
}

// BucketARN builds the ARN of an S3 bucket in the partition of region.
func BucketARN(region, bucket string) string {
	return "arn:" + aws.Partition(region) + ":s3:::" + bucket
}

// Checker runs IAM policy simulations.
type Checker struct {
	client aws.IAMClient
	target Target
	log    zerolog.Logger
}

// New creates a Checker for the resources in target.
func New(client aws.IAMClient, target Target, log *zerolog.Logger) *Checker {
	return &Checker{
		client: client,
		target: target,
		log:    logger.OrNop(log).With().Str("component", "preflight").Logger(),
	}
}

// Check simulates every action in the target's scope for principalARN and
// returns the pairs whose decision is not "allowed", sorted by action then
// resource. An empty result means every action is permitted.
func (c *Checker) Check(ctx context.Context, principalARN string) ([]Denial, error) {
	var denials []Denial
	target := c.target

	if target.BucketARN != "" {
		d, err := c.simulate(ctx, principalARN, BucketActions, []string{target.BucketARN})
		if err != nil {
			return nil, err
		}
		denials = append(denials, d...)

		d, err = c.simulate(ctx, principalARN, ObjectActions, []string{target.BucketARN + "/*"})
		if err != nil {
			return nil, err
		}
		denials = append(denials, d...)
	}

	var queues []string
	for _, arn := range []string{target.QueueARN, target.DLQARN} {
		if arn != "" {
			queues = append(queues, arn)
		}
	}
	if len(queues) > 0 {
		d, err := c.simulate(ctx, principalARN, QueueActions, queues)
		if err != nil {
			return nil, err
		}
		denials = append(denials, d...)
	}

	sort.Slice(denials, func(i, j int) bool {
		if denials[i].Action != denials[j].Action {
			return denials[i].Action < denials[j].Action
		}
		return denials[i].Resource < denials[j].Resource
	})

	if len(denials) > 0 {
		c.log.Warn().Int("denied", len(denials)).Str("principal", principalARN).Msg("preflight found denied actions")
	} else {
		c.log.Info().Str("principal", principalARN).Msg("preflight passed")
	}
	return denials, nil
}

func (c *Checker) simulate(ctx context.Context, principalARN string, actions, resources []string) ([]Denial, error) {
	input := &iam.SimulatePrincipalPolicyInput{
		PolicySourceArn: awssdk.String(principalARN),
		ActionNames:     actions,
		ResourceArns:    resources,
	}

	var denials []Denial
	for {
		out, err := c.client.SimulatePrincipalPolicy(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to simulate policy for %s: %w", principalARN, err)
		}

		for _, r := range out.EvaluationResults {
			if r.EvalDecision == types.PolicyEvaluationDecisionTypeAllowed {
				continue
			}
			denials = append(denials, Denial{
				Action:   awssdk.ToString(r.EvalActionName),
				Resource: awssdk.ToString(r.EvalResourceName),
				Decision: string(r.EvalDecision),
			})
		}

		if !out.IsTruncated {
			return denials, nil
		}
		input.Marker = out.Marker
	}
}
