package awscloud

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"spotfleet/pkg/interfaces"

	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
)

// imdsAPI is the subset of the IMDS client the agent uses
type imdsAPI interface {
	GetMetadata(ctx context.Context, params *imds.GetMetadataInput, optFns ...func(*imds.Options)) (*imds.GetMetadataOutput, error)
	GetInstanceIdentityDocument(ctx context.Context, params *imds.GetInstanceIdentityDocumentInput, optFns ...func(*imds.Options)) (*imds.GetInstanceIdentityDocumentOutput, error)
}

// Metadata reads identity and interruption signals from the instance metadata service (IMDSv2)
type Metadata struct {
	client imdsAPI
}

// NewMetadata creates an IMDS reader, endpoint overrides the default address when set
func NewMetadata(endpoint string) *Metadata {
	return &Metadata{client: imds.New(imds.Options{Endpoint: endpoint})}
}

func newMetadataWithClient(client imdsAPI) *Metadata {
	return &Metadata{client: client}
}

// Identity reads the instance identity document plus lifecycle and hostname
func (m *Metadata) Identity(ctx context.Context) (*interfaces.InstanceIdentity, error) {
	doc, err := m.client.GetInstanceIdentityDocument(ctx, &imds.GetInstanceIdentityDocumentInput{})
	if err != nil {
		return nil, fmt.Errorf("failed to read instance identity: %w", err)
	}

	identity := &interfaces.InstanceIdentity{
		InstanceID:   doc.InstanceID,
		InstanceType: doc.InstanceType,
		Region:       doc.Region,
		AZ:           doc.AvailabilityZone,
		ImageID:      doc.ImageID,
		PurchaseMode: "ondemand",
	}

	lifecycle, found, err := m.read(ctx, "instance-life-cycle")
	if err != nil {
		return nil, err
	}
	if found && strings.TrimSpace(lifecycle) == "spot" {
		identity.PurchaseMode = "spot"
	}

	hostname, found, err := m.read(ctx, "hostname")
	if err != nil {
		return nil, err
	}
	if found {
		identity.Hostname = strings.TrimSpace(hostname)
	}
	return identity, nil
}

type instanceAction struct {
	Action string `json:"action"`
	Time   string `json:"time"`
}

// InterruptionNotice reads spot/instance-action, absent means no interruption
func (m *Metadata) InterruptionNotice(ctx context.Context) (*interfaces.InterruptionNotice, error) {
	body, found, err := m.read(ctx, "spot/instance-action")
	if err != nil || !found {
		return nil, err
	}

	var action instanceAction
	if err := json.Unmarshal([]byte(body), &action); err != nil {
		return nil, fmt.Errorf("failed to parse instance action: %w", err)
	}

	notice := &interfaces.InterruptionNotice{Action: action.Action}
	if action.Time != "" {
		t, err := time.Parse(time.RFC3339, action.Time)
		if err != nil {
			return nil, fmt.Errorf("failed to parse instance action time %q: %w", action.Time, err)
		}
		t = t.UTC()
		notice.Time = &t
	}
	return notice, nil
}

type rebalanceRecommendation struct {
	NoticeTime string `json:"noticeTime"`
}

// RebalanceRecommendation reads events/recommendations/rebalance
func (m *Metadata) RebalanceRecommendation(ctx context.Context) (*interfaces.RebalanceNotice, error) {
	body, found, err := m.read(ctx, "events/recommendations/rebalance")
	if err != nil || !found {
		return nil, err
	}

	var rec rebalanceRecommendation
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, fmt.Errorf("failed to parse rebalance recommendation: %w", err)
	}
	t, err := time.Parse(time.RFC3339, rec.NoticeTime)
	if err != nil {
		return nil, fmt.Errorf("failed to parse rebalance notice time %q: %w", rec.NoticeTime, err)
	}
	return &interfaces.RebalanceNotice{NoticeTime: t.UTC()}, nil
}

// read fetches a metadata path, found=false on 404
func (m *Metadata) read(ctx context.Context, path string) (string, bool, error) {
	out, err := m.client.GetMetadata(ctx, &imds.GetMetadataInput{Path: path})
	if err != nil {
		var re interface{ HTTPStatusCode() int }
		if errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read metadata %s: %w", path, err)
	}
	defer out.Content.Close()

	data, err := io.ReadAll(out.Content)
	if err != nil {
		return "", false, fmt.Errorf("failed to read metadata %s: %w", path, err)
	}
	return string(data), true, nil
}
