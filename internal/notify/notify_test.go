package notify

import (
	"context"
	"fmt"
	"testing"

	"firebase.google.com/go/v4/messaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeClient is a scriptable notify.Client, the same seam the teacher's
// fcm.go tests substitute a stub multicast client through.
type fakeClient struct {
	responses []*messaging.BatchResponse
	errs      []error
	calls     int
	gotBatches [][]string
}

func (f *fakeClient) SendEachForMulticast(_ context.Context, message *messaging.MulticastMessage) (*messaging.BatchResponse, error) {
	idx := f.calls
	f.calls++
	f.gotBatches = append(f.gotBatches, message.Tokens)
	if idx < len(f.errs) && f.errs[idx] != nil {
		return nil, f.errs[idx]
	}
	if idx < len(f.responses) {
		return f.responses[idx], nil
	}
	return &messaging.BatchResponse{SuccessCount: len(message.Tokens)}, nil
}

func TestSend_NilNotifierIsANoop(t *testing.T) {
	var n *Notifier
	assert.NoError(t, n.Send(context.Background(), EventTargetReached, "t", "b", []string{"tok"}))
}

func TestSend_NoTokensIsANoop(t *testing.T) {
	n := NewWithClient(&fakeClient{}, zap.NewNop())
	assert.NoError(t, n.Send(context.Background(), EventTargetReached, "t", "b", nil))
}

func TestSend_SingleBatchSuccess(t *testing.T) {
	client := &fakeClient{responses: []*messaging.BatchResponse{{SuccessCount: 2}}}
	n := NewWithClient(client, zap.NewNop())

	err := n.Send(context.Background(), EventTargetReached, "Ready", "body", []string{"tok1", "tok2"})
	require.NoError(t, err)
	assert.Equal(t, 1, client.calls)
}

func TestSend_SplitsTokensAcrossBatchesAtMaxSize(t *testing.T) {
	client := &fakeClient{}
	n := NewWithClient(client, zap.NewNop())

	tokens := make([]string, MaxTokensPerBatch+1)
	for i := range tokens {
		tokens[i] = fmt.Sprintf("tok-%d", i)
	}

	require.NoError(t, n.Send(context.Background(), EventStalledHeating, "Stalled", "body", tokens))
	require.Len(t, client.gotBatches, 2)
	assert.Len(t, client.gotBatches[0], MaxTokensPerBatch)
	assert.Len(t, client.gotBatches[1], 1)
}

func TestSend_RetriesOnceOnTransportError(t *testing.T) {
	client := &fakeClient{
		errs:      []error{fmt.Errorf("transient dial failure"), nil},
		responses: []*messaging.BatchResponse{nil, {SuccessCount: 1}},
	}
	n := NewWithClient(client, zap.NewNop())

	err := n.Send(context.Background(), EventTargetReached, "t", "b", []string{"tok"})
	require.NoError(t, err)
	assert.Equal(t, 2, client.calls)
}

func TestSend_AllBatchesFailReturnsError(t *testing.T) {
	client := &fakeClient{errs: []error{fmt.Errorf("down"), fmt.Errorf("still down")}}
	n := NewWithClient(client, zap.NewNop())

	err := n.Send(context.Background(), EventTargetReached, "t", "b", []string{"tok"})
	assert.Error(t, err)
}

func TestSend_PartialFailureStillReturnsNilError(t *testing.T) {
	client := &fakeClient{responses: []*messaging.BatchResponse{{SuccessCount: 1, FailureCount: 1}}}
	n := NewWithClient(client, zap.NewNop())

	err := n.Send(context.Background(), EventTargetReached, "t", "b", []string{"tok1", "tok2"})
	assert.NoError(t, err)
}

func TestNew_EmptyCredentialsPathIsAnError(t *testing.T) {
	_, err := New(context.Background(), "", zap.NewNop())
	assert.Error(t, err)
}
