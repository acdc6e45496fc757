// Package directory implements the directory side of the worker that owns
// the directory service: translating bus operations into calls on Microsoft
// Graph / Azure AD under an application (client-credentials) identity.
package directory

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
)

// graphTimeEndpoint is queried solely for its response's Date header; the
// organization resource itself is never inspected.
const graphTimeEndpoint = "https://graph.microsoft.com/v1.0/organization"

// Directory is the set of operations the bus carries over to the directory
// service: enable/disable user, add/remove group membership, get time.
type Directory interface {
	SetUserEnabled(ctx context.Context, userID string, enabled bool) error
	AddToGroup(ctx context.Context, userID, groupID string) error
	RemoveFromGroup(ctx context.Context, userID, groupID string) error
	GetTime(ctx context.Context) (time.Time, error)
}

// GraphDirectory implements Directory against Microsoft Graph using an
// application (client-credentials) identity.
type GraphDirectory struct {
	client *msgraphsdk.GraphServiceClient
	cred   *azidentity.ClientSecretCredential
	http   *http.Client
}

// Config holds the Azure AD app registration coordinates needed for the
// client-credentials flow.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
}

// NewGraphDirectory builds a GraphDirectory authenticated via
// azidentity.NewClientSecretCredential, scoped to the default Graph
// ".default" application permission.
func NewGraphDirectory(cfg Config) (*GraphDirectory, error) {
	cred, err := azidentity.NewClientSecretCredential(cfg.TenantID, cfg.ClientID, cfg.ClientSecret, nil)
	if err != nil {
		return nil, fmt.Errorf("directory: building credential: %w", err)
	}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{"https://graph.microsoft.com/.default"})
	if err != nil {
		return nil, fmt.Errorf("directory: building graph client: %w", err)
	}

	return &GraphDirectory{client: client, cred: cred, http: &http.Client{Timeout: 10 * time.Second}}, nil
}

// SetUserEnabled flips a user's accountEnabled flag.
func (d *GraphDirectory) SetUserEnabled(ctx context.Context, userID string, enabled bool) error {
	user := models.NewUser()
	user.SetAccountEnabled(&enabled)

	_, err := d.client.Users().ByUserId(userID).Patch(ctx, user, nil)
	if err != nil {
		return fmt.Errorf("directory: setting accountEnabled for %s: %w", userID, err)
	}
	return nil
}

// AddToGroup adds userID as a member of groupID.
func (d *GraphDirectory) AddToGroup(ctx context.Context, userID, groupID string) error {
	body := models.NewReferenceCreate()
	odataID := fmt.Sprintf("https://graph.microsoft.com/v1.0/directoryObjects/%s", userID)
	body.SetOdataId(&odataID)

	if err := d.client.Groups().ByGroupId(groupID).Members().Ref().Post(ctx, body, nil); err != nil {
		return fmt.Errorf("directory: adding %s to group %s: %w", userID, groupID, err)
	}
	return nil
}

// RemoveFromGroup removes userID from groupID's membership.
func (d *GraphDirectory) RemoveFromGroup(ctx context.Context, userID, groupID string) error {
	if err := d.client.Groups().ByGroupId(groupID).Members().ByDirectoryObjectId(userID).Ref().Delete(ctx, nil); err != nil {
		return fmt.Errorf("directory: removing %s from group %s: %w", userID, groupID, err)
	}
	return nil
}

// GetTime returns the directory service's current time, read off the Date
// response header of a lightweight Graph request rather than trusting the
// worker's own clock.
func (d *GraphDirectory) GetTime(ctx context.Context) (time.Time, error) {
	token, err := d.cred.GetToken(ctx, policy.TokenRequestOptions{Scopes: []string{"https://graph.microsoft.com/.default"}})
	if err != nil {
		return time.Time{}, fmt.Errorf("directory: acquiring token for get_time: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, graphTimeEndpoint, nil)
	if err != nil {
		return time.Time{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token.Token)

	resp, err := d.http.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("directory: requesting server time: %w", err)
	}
	defer resp.Body.Close()

	dateHeader := resp.Header.Get("Date")
	if dateHeader == "" {
		return time.Time{}, fmt.Errorf("directory: response carried no Date header")
	}
	return http.ParseTime(dateHeader)
}
