package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// STSAPI abstracts GetCallerIdentity for testability.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Session is the verified identity the tool writes as.
type Session struct {
	Environment string
	Region      string
	Table       string
	AccountID   string
	CallerARN   string
}

// verifyIdentity calls STS GetCallerIdentity so bad credentials fail before
// any write.
func verifyIdentity(ctx context.Context, client STSAPI, s *Session, logger *slog.Logger) error {
	// Use a short timeout for the identity check to fail fast on bad credentials.
	identityCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	identity, err := client.GetCallerIdentity(identityCtx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return fmt.Errorf("verifying AWS identity (STS GetCallerIdentity): %w\n"+
			"  Check that your AWS credentials are configured correctly.\n"+
			"  Region: %q", err, s.Region)
	}

	s.AccountID = aws.ToString(identity.Account)
	s.CallerARN = aws.ToString(identity.Arn)

	logger.Info("AWS identity verified",
		"account_id", s.AccountID,
		"arn", s.CallerARN,
		"region", s.Region,
	)
	return nil
}

// confirmProduction asks the operator to type "yes" before writing to prod.
func confirmProduction(s *Session, in io.Reader, out io.Writer) bool {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "============================================================")
	fmt.Fprintln(out, "  WARNING: You are targeting the PRODUCTION environment")
	fmt.Fprintln(out, "============================================================")
	fmt.Fprintf(out, "  Account: %s\n", s.AccountID)
	fmt.Fprintf(out, "  Region:  %s\n", s.Region)
	fmt.Fprintf(out, "  Table:   %s\n", s.Table)
	fmt.Fprintln(out, "============================================================")
	fmt.Fprintln(out)
	fmt.Fprint(out, "Type 'yes' to continue: ")

	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(scanner.Text()), "yes")
}

// printBanner displays a summary of the session.
func printBanner(s *Session, out io.Writer) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "------------------------------------------------------------")
	fmt.Fprintln(out, "  Pipeline Config Seeder")
	fmt.Fprintln(out, "------------------------------------------------------------")
	fmt.Fprintf(out, "  Environment:  %s\n", s.Environment)
	fmt.Fprintf(out, "  AWS Account:  %s\n", s.AccountID)
	fmt.Fprintf(out, "  AWS Region:   %s\n", s.Region)
	fmt.Fprintf(out, "  Identity:     %s\n", s.CallerARN)
	fmt.Fprintf(out, "  Table:        %s\n", s.Table)
	fmt.Fprintln(out, "------------------------------------------------------------")
	fmt.Fprintln(out)
}
