package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lorawan-server/lorawan-cloud-bridge/pkg/crypto"
)

const (
	statusAssigning = "assigning"
	statusAssigned  = "assigned"

	sasTokenTTL = time.Hour
)

// Assignment is the outcome of a successful registration
type Assignment struct {
	AssignedHub string
	DeviceID    string
}

// DPSClient registers devices with a provisioning service over its REST API
type DPSClient struct {
	globalEndpoint string
	apiVersion     string
	pollInterval   time.Duration
	maxPolls       int
	httpClient     *http.Client
	now            func() time.Time
}

// NewDPSClient creates a provisioning service client
func NewDPSClient(globalEndpoint, apiVersion string, pollInterval time.Duration, maxPolls int, timeout time.Duration) *DPSClient {
	if maxPolls <= 0 {
		maxPolls = 10
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &DPSClient{
		globalEndpoint: strings.TrimRight(globalEndpoint, "/"),
		apiVersion:     apiVersion,
		pollInterval:   pollInterval,
		maxPolls:       maxPolls,
		httpClient:     &http.Client{Timeout: timeout},
		now:            time.Now,
	}
}

type registrationState struct {
	RegistrationID string `json:"registrationId"`
	AssignedHub    string `json:"assignedHub"`
	DeviceID       string `json:"deviceId"`
	Status         string `json:"status"`
	ErrorCode      int    `json:"errorCode"`
	ErrorMessage   string `json:"errorMessage"`
}

type operationStatus struct {
	OperationID       string             `json:"operationId"`
	Status            string             `json:"status"`
	RegistrationState *registrationState `json:"registrationState"`
}

// Register registers deviceID with the symmetric deviceKey and waits for the assignment
func (c *DPSClient) Register(ctx context.Context, idScope, deviceID, deviceKey string) (Assignment, error) {
	resource := idScope + "/registrations/" + deviceID
	token, err := c.sasToken(resource, deviceKey)
	if err != nil {
		return Assignment{}, err
	}

	body, _ := json.Marshal(map[string]string{"registrationId": deviceID})
	op, err := c.do(ctx, http.MethodPut, resource+"/register", token, body)
	if err != nil {
		return Assignment{}, fmt.Errorf("register %s: %w", deviceID, err)
	}

	for polls := 0; op.Status == statusAssigning; polls++ {
		if polls >= c.maxPolls {
			return Assignment{}, fmt.Errorf("register %s: still assigning after %d polls: %w", deviceID, polls, ErrProvisioningFailed)
		}

		select {
		case <-ctx.Done():
			return Assignment{}, ctx.Err()
		case <-time.After(c.pollInterval):
		}

		op, err = c.do(ctx, http.MethodGet, resource+"/operations/"+url.PathEscape(op.OperationID), token, nil)
		if err != nil {
			return Assignment{}, fmt.Errorf("poll %s: %w", deviceID, err)
		}
	}

	state := op.RegistrationState
	if op.Status != statusAssigned || state == nil || state.Status != statusAssigned {
		detail := op.Status
		if state != nil && state.ErrorMessage != "" {
			detail += ": " + state.ErrorMessage
		}
		return Assignment{}, fmt.Errorf("register %s: status %s: %w", deviceID, detail, ErrProvisioningFailed)
	}

	a := Assignment{AssignedHub: state.AssignedHub, DeviceID: state.DeviceID}
	if a.DeviceID == "" {
		a.DeviceID = deviceID
	}
	return a, nil
}

func (c *DPSClient) do(ctx context.Context, method, path, token string, body []byte) (operationStatus, error) {
	var op operationStatus

	u := c.globalEndpoint + "/" + path + "?api-version=" + url.QueryEscape(c.apiVersion)
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return op, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return op, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return op, fmt.Errorf("status %d: %s: %w", resp.StatusCode, strings.TrimSpace(string(msg)), ErrProvisioningFailed)
	}

	if err := json.NewDecoder(resp.Body).Decode(&op); err != nil {
		return op, fmt.Errorf("decode operation: %w", err)
	}
	return op, nil
}

// sasToken builds a shared access signature for resource signed with key
func (c *DPSClient) sasToken(resource, key string) (string, error) {
	sr := url.QueryEscape(strings.ToLower(resource))
	se := strconv.FormatInt(c.now().Add(sasTokenTTL).Unix(), 10)

	sig, err := crypto.SignHMAC(key, sr+"\n"+se)
	if err != nil {
		return "", fmt.Errorf("sign registration: %w", err)
	}

	return fmt.Sprintf("SharedAccessSignature sr=%s&sig=%s&se=%s&skn=registration", sr, url.QueryEscape(sig), se), nil
}
