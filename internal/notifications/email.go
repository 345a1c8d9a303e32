package notifications

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// EmailRecipient is a tagged union: EmailAddress or UserID.
type EmailRecipient interface {
	recipientType() string
}

// EmailAddress addresses a mailbox directly.
type EmailAddress struct {
	Email string `json:"email"`
}

// UserID addresses a platform user; the mail system resolves the address.
type UserID struct {
	UserID string `json:"userId"`
}

func (EmailAddress) recipientType() string { return "EmailAddress" }
func (UserID) recipientType() string       { return "UserId" }

// Recipients encodes each recipient with its "type" discriminator.
type Recipients []EmailRecipient

func (r Recipients) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(r))
	for _, rec := range r {
		raw, err := marshalTagged(rec.recipientType(), rec)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return json.Marshal(out)
}

func (r *Recipients) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	out := make(Recipients, 0, len(raws))
	for _, raw := range raws {
		kind, err := discriminator(raw)
		if err != nil {
			return err
		}
		switch kind {
		case "EmailAddress":
			var v EmailAddress
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			out = append(out, v)
		case "UserId":
			var v UserID
			if err := json.Unmarshal(raw, &v); err != nil {
				return err
			}
			out = append(out, v)
		default:
			return fmt.Errorf("unknown recipient type %q", kind)
		}
	}
	*r = out
	return nil
}

// EmailContent is a tagged union over the templates the mail system knows.
type EmailContent interface {
	contentType() string
}

// DatasetUploadSummary reports approved uploads of one company.
type DatasetUploadSummary struct {
	CompanyID        string   `json:"companyId"`
	Frameworks       []string `json:"frameworks"`
	ReportingPeriods []string `json:"reportingPeriods"`
	Uploads          int      `json:"uploads"`
}

// NonSourceableSummary reports triples flagged as not sourceable.
type NonSourceableSummary struct {
	CompanyID        string   `json:"companyId"`
	Frameworks       []string `json:"frameworks"`
	ReportingPeriods []string `json:"reportingPeriods"`
}

// ReviewedDataPoint is one line of a ReviewFinished mail.
type ReviewedDataPoint struct {
	DataPointType string `json:"dataPointType"`
	Source        string `json:"source"`
	Value         string `json:"value"`
}

// ReviewFinished reports the outcome of a dataset review.
type ReviewFinished struct {
	ReviewID        string              `json:"reviewId"`
	DatasetID       string              `json:"datasetId"`
	CompanyID       string              `json:"companyId"`
	Framework       string              `json:"framework"`
	ReportingPeriod string              `json:"reportingPeriod"`
	ReviewerUserID  string              `json:"reviewerUserId"`
	DataPoints      []ReviewedDataPoint `json:"dataPoints"`
}

func (DatasetUploadSummary) contentType() string { return "DatasetUploadSummary" }
func (NonSourceableSummary) contentType() string { return "NonSourceableSummary" }
func (ReviewFinished) contentType() string       { return "ReviewFinished" }

// TypedEmailContent carries one EmailContent with its "type" discriminator.
type TypedEmailContent struct {
	EmailContent
}

func (c TypedEmailContent) MarshalJSON() ([]byte, error) {
	if c.EmailContent == nil {
		return nil, fmt.Errorf("email content is empty")
	}
	return marshalTagged(c.contentType(), c.EmailContent)
}

func (c *TypedEmailContent) UnmarshalJSON(data []byte) error {
	kind, err := discriminator(data)
	if err != nil {
		return err
	}
	switch kind {
	case "DatasetUploadSummary":
		var v DatasetUploadSummary
		err = json.Unmarshal(data, &v)
		c.EmailContent = v
	case "NonSourceableSummary":
		var v NonSourceableSummary
		err = json.Unmarshal(data, &v)
		c.EmailContent = v
	case "ReviewFinished":
		var v ReviewFinished
		err = json.Unmarshal(data, &v)
		c.EmailContent = v
	default:
		return fmt.Errorf("unknown email content type %q", kind)
	}
	return err
}

// Notification is the unit handed to a Dispatcher.
type Notification struct {
	NotificationID uuid.UUID         `json:"notificationId"`
	Recipients     Recipients        `json:"recipients"`
	Content        TypedEmailContent `json:"content"`
}

// Casers keep state, so each call gets its own.
func title(s string) string {
	return cases.Title(language.English).String(s)
}

// Render produces the subject and plain-text body of content.
func Render(content EmailContent) (subject, body string, err error) {
	var b strings.Builder
	switch c := content.(type) {
	case DatasetUploadSummary:
		subject = fmt.Sprintf("%d new approved upload(s) for %s", c.Uploads, c.CompanyID)
		fmt.Fprintf(&b, "Frameworks: %s\n", titled(c.Frameworks))
		fmt.Fprintf(&b, "Reporting periods: %s\n", strings.Join(c.ReportingPeriods, ", "))
	case NonSourceableSummary:
		subject = fmt.Sprintf("Data marked as not sourceable for %s", c.CompanyID)
		fmt.Fprintf(&b, "Frameworks: %s\n", titled(c.Frameworks))
		fmt.Fprintf(&b, "Reporting periods: %s\n", strings.Join(c.ReportingPeriods, ", "))
	case ReviewFinished:
		subject = fmt.Sprintf("Review of %s %s %s finished", c.CompanyID, title(c.Framework), c.ReportingPeriod)
		fmt.Fprintf(&b, "Dataset %s was reviewed by %s.\n", c.DatasetID, c.ReviewerUserID)
		for _, dp := range c.DataPoints {
			fmt.Fprintf(&b, "- %s: %s (%s)\n", dp.DataPointType, dp.Value, dp.Source)
		}
	case nil:
		return "", "", fmt.Errorf("email content is empty")
	default:
		return "", "", fmt.Errorf("unsupported email content %T", content)
	}
	return subject, b.String(), nil
}

func titled(values []string) string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = title(v)
	}
	return strings.Join(out, ", ")
}

func marshalTagged(kind string, v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	typ, err := json.Marshal(kind)
	if err != nil {
		return nil, err
	}
	fields["type"] = typ
	return json.Marshal(fields)
}

func discriminator(raw []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", err
	}
	if head.Type == "" {
		return "", fmt.Errorf("missing type discriminator")
	}
	return head.Type, nil
}

func distinctSorted(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
