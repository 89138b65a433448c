package githubsync

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/go-github/v61/github"

	"github.com/Sumatoshi-tech/linetrace/pkg/domain"
	"github.com/Sumatoshi-tech/linetrace/pkg/pullrequest"
)

// maxWebhookBody bounds the size of a webhook delivery.
const maxWebhookBody = 25 << 20

// Sentinel errors.
var (
	// ErrIgnored is returned for deliveries that carry no lifecycle event.
	ErrIgnored = errors.New("webhook delivery ignored")
	// ErrMalformed is returned for deliveries that cannot be decoded.
	ErrMalformed = errors.New("malformed webhook delivery")
)

// Delivery is a decoded pull_request webhook.
type Delivery struct {
	ID          string
	PullRequest *PullRequest
	Event       pullrequest.Event
}

// ParseWebhook decodes a GitHub webhook request. Signatures are not checked:
// the ingestion boundary is trusted.
func ParseWebhook(r *http.Request) (*Delivery, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrMalformed, err)
	}

	return DecodeWebhook(github.WebHookType(r), github.DeliveryID(r), body)
}

// DecodeWebhook decodes a webhook payload of the given event type.
func DecodeWebhook(eventType, deliveryID string, payload []byte) (*Delivery, error) {
	if eventType != "pull_request" {
		return nil, fmt.Errorf("%w: event %q", ErrIgnored, eventType)
	}

	parsed, err := github.ParseWebHook(eventType, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	ev, ok := parsed.(*github.PullRequestEvent)
	if !ok || ev.PullRequest == nil || ev.Repo == nil {
		return nil, fmt.Errorf("%w: pull_request without pull request", ErrMalformed)
	}

	pr := fromGitHub(ev.GetRepo().GetFullName(), ev.GetPullRequest())

	change, at, err := changeFor(ev.GetAction(), pr)
	if err != nil {
		return nil, err
	}

	payloadFields := map[string]string{
		pullrequest.PayloadHeadSHA: pr.HeadSHA,
		pullrequest.PayloadBaseSHA: pr.BaseSHA,
	}

	switch change {
	case domain.ChangeEdited, domain.ChangeOpened:
		payloadFields[pullrequest.PayloadTitle] = pr.Title
	case domain.ChangeMerged:
		payloadFields[pullrequest.PayloadMergedBy] = pr.MergedBy
	}

	return &Delivery{
		ID:          deliveryID,
		PullRequest: pr,
		Event: pullrequest.Event{
			Type:    change,
			Actor:   ev.GetSender().GetLogin(),
			At:      at,
			Payload: payloadFields,
		},
	}, nil
}

func changeFor(action string, pr *PullRequest) (domain.ChangeType, time.Time, error) {
	latest := func(times ...time.Time) time.Time {
		var out time.Time
		for _, t := range times {
			if t.After(out) {
				out = t
			}
		}

		if out.IsZero() {
			return time.Now().UTC()
		}

		return out
	}

	switch action {
	case "opened":
		return domain.ChangeOpened, latest(pr.CreatedAt), nil
	case "synchronize":
		return domain.ChangeSynchronize, latest(pr.UpdatedAt, pr.CreatedAt), nil
	case "edited":
		return domain.ChangeEdited, latest(pr.UpdatedAt, pr.CreatedAt), nil
	case "reopened":
		return domain.ChangeReopened, latest(pr.UpdatedAt, pr.CreatedAt), nil
	case "closed":
		if pr.State == domain.PRStateMerged {
			return domain.ChangeMerged, latest(pr.MergedAt, pr.ClosedAt), nil
		}

		return domain.ChangeClosed, latest(pr.ClosedAt, pr.UpdatedAt), nil
	default:
		return "", time.Time{}, fmt.Errorf("%w: action %q", ErrIgnored, action)
	}
}
