package queue

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gurre/cloudfacade/aws"
)

// RegionFromURL returns the region embedded in an SQS queue URL, which is the
// second dot-delimited segment of the host:
//
//	https://sqs.eu-west-1.amazonaws.com/123456789012/jobs -> eu-west-1
func RegionFromURL(queueURL string) (string, error) {
	u, err := url.Parse(queueURL)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrInvalidQueueURL, queueURL, err)
	}
	segments := strings.Split(u.Hostname(), ".")
	if len(segments) < 3 || segments[1] == "" {
		return "", fmt.Errorf("%w: %s: no region in host", ErrInvalidQueueURL, queueURL)
	}
	return segments[1], nil
}

// ARNFromURL builds the queue ARN from its URL.
//
//	https://sqs.eu-west-1.amazonaws.com/123456789012/jobs -> arn:aws:sqs:eu-west-1:123456789012:jobs
func ARNFromURL(queueURL string) (string, error) {
	region, err := RegionFromURL(queueURL)
	if err != nil {
		return "", err
	}

	u, _ := url.Parse(queueURL)
	path := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(path) != 2 || path[0] == "" || path[1] == "" {
		return "", fmt.Errorf("%w: %s: path must be /<account>/<name>", ErrInvalidQueueURL, queueURL)
	}

	return fmt.Sprintf("arn:%s:sqs:%s:%s:%s", aws.Partition(region), region, path[0], path[1]), nil
}
