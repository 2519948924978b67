package service

import (
	"fmt"
	"strings"

	"checkout-service/internal/models"
)

const contactSupportHint = "If retrying does not help, please contact support."

// FailedGroup is a seller group the buyer can retry
type FailedGroup struct {
	SellerKey  string `json:"seller_key"`
	SellerName string `json:"seller_name"`
	Reason     string `json:"reason"`
	Retryable  bool   `json:"retryable"`
}

// BatchSummary is the buyer-facing outcome of a batch run
type BatchSummary struct {
	SessionID     string             `json:"session_id"`
	Complete      bool               `json:"complete"`
	Paid          []string           `json:"paid"`
	Failed        []FailedGroup      `json:"failed"`
	FailedSellers []string           `json:"failed_sellers"`
	Pending       int                `json:"pending"`
	Totals        models.GrandTotals `json:"totals"`
	Message       string             `json:"message"`
}

// Summarize builds the summary of a run's current state
func Summarize(run *models.BatchRun) *BatchSummary {
	summary := &BatchSummary{
		SessionID:     run.SessionID,
		Complete:      run.AllPaid(),
		Paid:          []string{},
		Failed:        []FailedGroup{},
		FailedSellers: run.FailedSellerNames(),
		Totals:        run.Totals(),
	}

	commitFailed := false
	for _, group := range run.Groups {
		switch group.PaymentStatus {
		case models.PaymentStatusPaid:
			summary.Paid = append(summary.Paid, group.SellerName)
		case models.PaymentStatusFailed:
			kind := ErrorKind(group.FailureKind)
			if kind == KindCommitFailed {
				commitFailed = true
			}
			summary.Failed = append(summary.Failed, FailedGroup{
				SellerKey:  group.Key(),
				SellerName: group.SellerName,
				Reason:     publicReason(kind),
				Retryable:  true,
			})
		default:
			summary.Pending++
		}
	}

	summary.Message = summaryMessage(summary, commitFailed)
	return summary
}

func publicReason(kind ErrorKind) string {
	if meta, ok := metadataByKind[kind]; ok {
		return meta.publicMessage
	}
	return metadataByKind[KindGatewayUnavailable].publicMessage
}

func summaryMessage(s *BatchSummary, commitFailed bool) string {
	if s.Complete {
		return fmt.Sprintf("All %d payments succeeded.", len(s.Paid))
	}

	parts := make([]string, 0, 3)
	if len(s.Paid) > 0 {
		parts = append(parts, fmt.Sprintf("%d of %d payments succeeded (%s).",
			len(s.Paid), len(s.Paid)+len(s.Failed)+s.Pending, strings.Join(s.Paid, ", ")))
	}
	if len(s.Failed) > 0 {
		names := make([]string, 0, len(s.Failed))
		for _, f := range s.Failed {
			names = append(names, f.SellerName)
		}
		parts = append(parts, fmt.Sprintf("%d failed: %s. You can retry each failed seller.",
			len(s.Failed), strings.Join(names, ", ")))
	}
	if s.Pending > 0 {
		parts = append(parts, fmt.Sprintf("%d not yet processed.", s.Pending))
	}
	if commitFailed {
		parts = append(parts, contactSupportHint)
	}
	return strings.Join(parts, " ")
}
