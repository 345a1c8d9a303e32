package notifications

import (
	"context"

	"github.com/google/uuid"

	"github.com/esgqa/qa-engine/internal/review"
)

// ReviewNotifier mails the outcome of finished reviews to the reviewer and
// the company recipients.
type ReviewNotifier struct {
	dispatcher Dispatcher
	recipients RecipientPolicy
}

var _ review.Notifier = (*ReviewNotifier)(nil)

// NewReviewNotifier constructs a ReviewNotifier.
func NewReviewNotifier(dispatcher Dispatcher, recipients RecipientPolicy) *ReviewNotifier {
	if recipients == nil {
		recipients = StaticRecipients(nil)
	}
	return &ReviewNotifier{dispatcher: dispatcher, recipients: recipients}
}

// ReviewFinished implements review.Notifier.
func (n *ReviewNotifier) ReviewFinished(ctx context.Context, outcome review.Outcome) error {
	recipients, err := n.recipients.ForCompany(ctx, outcome.Triple.CompanyID)
	if err != nil {
		return err
	}
	recipients = append(Recipients{UserID{UserID: outcome.ReviewerUserID}}, recipients...)

	points := make([]ReviewedDataPoint, 0, len(outcome.DataPoints))
	for _, dp := range outcome.DataPoints {
		value := dp.Value
		if dp.Source == review.SourceQa && dp.Reference != "" {
			value += " (report " + dp.Reference + ")"
		}
		points = append(points, ReviewedDataPoint{DataPointType: dp.DataPointType, Source: string(dp.Source), Value: value})
	}
	return n.dispatcher.Dispatch(ctx, Notification{
		NotificationID: uuid.NewSHA1(uuid.NameSpaceURL, []byte("review:"+outcome.ReviewID)),
		Recipients:     recipients,
		Content: TypedEmailContent{ReviewFinished{
			ReviewID:        outcome.ReviewID,
			DatasetID:       outcome.DatasetID,
			CompanyID:       outcome.Triple.CompanyID,
			Framework:       outcome.Triple.DataType,
			ReportingPeriod: outcome.Triple.ReportingPeriod,
			ReviewerUserID:  outcome.ReviewerUserID,
			DataPoints:      points,
		}},
	})
}
