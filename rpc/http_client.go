package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Error answered by a node agent
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("received unexpected status code %d: %s", e.StatusCode, e.Message)
}

// Node agent client talking JSON over HTTP, every callback is invoked from its own goroutine
type HTTPClient struct {
	BaseUrl string
	Client  *http.Client
}

func NewHTTPClient(address string) *HTTPClient {
	if !strings.HasPrefix(address, "http") {
		address = fmt.Sprintf("http://%s", address)
	}
	return &HTTPClient{
		BaseUrl: strings.TrimSuffix(address, "/"),
		// Queued lease requests are answered once resources free up, hence no short timeout
		Client: &http.Client{Timeout: 5 * time.Minute},
	}
}

func NewHTTPClientFactory() ClientFactory {
	return func(address string) NodeClient {
		return NewHTTPClient(address)
	}
}

func (c *HTTPClient) RequestWorkerLease(ctx context.Context, req LeaseRequest, callback Callback[LeaseReply]) {
	async(callback, func() (LeaseReply, error) {
		return doJSON[LeaseReply](ctx, c, http.MethodPost, "/leases", req, http.StatusOK)
	})
}

func (c *HTTPClient) ReturnWorker(ctx context.Context, workerId uuid.UUID, disconnect bool) error {
	path := fmt.Sprintf("/workers/%s?disconnect=%t", workerId, disconnect)
	_, err := doJSON[struct{}](ctx, c, http.MethodDelete, path, nil, http.StatusNoContent)
	return err
}

func (c *HTTPClient) ReleaseUnusedWorkers(ctx context.Context, inUse []uuid.UUID, callback Callback[ReleaseUnusedWorkersReply]) {
	async(callback, func() (ReleaseUnusedWorkersReply, error) {
		req := ReleaseUnusedWorkersRequest{InUse: inUse}
		return doJSON[ReleaseUnusedWorkersReply](ctx, c, http.MethodPost, "/workers/release", req, http.StatusOK)
	})
}

func (c *HTTPClient) CancelWorkerLease(ctx context.Context, taskId uuid.UUID, callback Callback[CancelWorkerLeaseReply]) {
	async(callback, func() (CancelWorkerLeaseReply, error) {
		path := fmt.Sprintf("/leases/%s", taskId)
		return doJSON[CancelWorkerLeaseReply](ctx, c, http.MethodDelete, path, nil, http.StatusOK)
	})
}

func (c *HTTPClient) PrepareBundleResources(ctx context.Context, bundle BundleSpec, callback Callback[PrepareBundleResourcesReply]) {
	async(callback, func() (PrepareBundleResourcesReply, error) {
		return doJSON[PrepareBundleResourcesReply](ctx, c, http.MethodPost, "/bundles/prepare", bundle, http.StatusOK)
	})
}

func (c *HTTPClient) CommitBundleResources(ctx context.Context, bundle BundleSpec, callback Callback[CommitBundleResourcesReply]) {
	async(callback, func() (CommitBundleResourcesReply, error) {
		return doJSON[CommitBundleResourcesReply](ctx, c, http.MethodPost, "/bundles/commit", bundle, http.StatusOK)
	})
}

func (c *HTTPClient) CancelResourceReserve(ctx context.Context, bundle BundleSpec, callback Callback[CancelResourceReserveReply]) {
	async(callback, func() (CancelResourceReserveReply, error) {
		return doJSON[CancelResourceReserveReply](ctx, c, http.MethodPost, "/bundles/cancel", bundle, http.StatusOK)
	})
}

func (c *HTTPClient) ReleaseUnusedBundles(ctx context.Context, inUse []BundleKey, callback Callback[ReleaseUnusedBundlesReply]) {
	async(callback, func() (ReleaseUnusedBundlesReply, error) {
		req := ReleaseUnusedBundlesRequest{InUse: inUse}
		return doJSON[ReleaseUnusedBundlesReply](ctx, c, http.MethodPost, "/bundles/release", req, http.StatusOK)
	})
}

func (c *HTTPClient) PinObjectIDs(ctx context.Context, req PinObjectsRequest, callback Callback[PinObjectsReply]) {
	async(callback, func() (PinObjectsReply, error) {
		return doJSON[PinObjectsReply](ctx, c, http.MethodPost, "/objects/pin", req, http.StatusOK)
	})
}

func (c *HTTPClient) UpdateResourceUsage(ctx context.Context, batch ResourceUsageBatch, callback Callback[UpdateResourceUsageReply]) {
	async(callback, func() (UpdateResourceUsageReply, error) {
		return doJSON[UpdateResourceUsageReply](ctx, c, http.MethodPut, "/resources", batch, http.StatusOK)
	})
}

func (c *HTTPClient) RequestResourceReport(ctx context.Context, callback Callback[ResourceReport]) {
	async(callback, func() (ResourceReport, error) {
		return doJSON[ResourceReport](ctx, c, http.MethodGet, "/resources", nil, http.StatusOK)
	})
}

func async[T any](callback Callback[T], call func() (T, error)) {
	go func() {
		callback(call())
	}()
}

func doJSON[TReply any](ctx context.Context, c *HTTPClient, method string, path string, body any, expectedStatus int) (TReply, error) {
	var reply TReply

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return reply, errors.Wrap(err, "failed to marshal request")
		}
		reader = bytes.NewBuffer(data)
	}

	url := c.BaseUrl + path
	request, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return reply, errors.Wrapf(err, "failed to create %s request to %s", method, url)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.Client.Do(request)
	if err != nil {
		return reply, errors.Wrapf(err, "%s request to %s failed", method, url)
	}
	defer response.Body.Close()

	decoder := json.NewDecoder(response.Body)
	if response.StatusCode != expectedStatus {
		e := ErrResponse{}
		if err := decoder.Decode(&e); err != nil {
			e.Message = http.StatusText(response.StatusCode)
		}
		return reply, &StatusError{StatusCode: response.StatusCode, Message: e.Message}
	}
	if expectedStatus == http.StatusNoContent {
		return reply, nil
	}

	if err := decoder.Decode(&reply); err != nil {
		return reply, errors.Wrapf(err, "failed to decode response from %s", url)
	}
	return reply, nil
}
