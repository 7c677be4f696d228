package aws

import "strings"

// Partition returns the ARN partition a region belongs to.
//
//	cn-north-1 -> aws-cn
//	us-gov-west-1 -> aws-us-gov
//	eu-west-1 -> aws
func Partition(region string) string {
	switch {
	case strings.HasPrefix(region, "cn-"):
		return "aws-cn"
	case strings.HasPrefix(region, "us-gov-"):
		return "aws-us-gov"
	default:
		return "aws"
	}
}
