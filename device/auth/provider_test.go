package auth_test

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/relabs-tech/kurbisio-device/core"
	"github.com/relabs-tech/kurbisio-device/core/sas"
	"github.com/relabs-tech/kurbisio-device/device/auth"
)

type fakeSecurityClient struct {
	mutex sync.Mutex
	err   error
	calls int
}

func (f *fakeSecurityClient) SignWithIdentity(ctx context.Context, data []byte) ([]byte, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []byte("signed data"), nil
}

func (f *fakeSecurityClient) setError(err error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.err = err
}

var testStart = time.Unix(1600000000, 0)

// renews after 9 seconds
var testRenewal = auth.RenewalConfig{TokenValidity: 10 * time.Second, RenewalMargin: time.Second}

func newTpmProvider(t *testing.T, client *fakeSecurityClient) (*auth.Provider, *clocktesting.FakeClock) {
	fakeClock := clocktesting.NewFakeClock(testStart)
	p, err := auth.FromTpmSecurityClient("deviceId", "test.host", client,
		auth.WithClock(fakeClock), auth.WithRenewalConfig(testRenewal))
	require.NoError(t, err)
	t.Cleanup(p.Stop)
	return p, fakeClock
}

func tokens(p auth.Authenticator) chan auth.Credentials {
	ch := make(chan auth.Credentials, 16)
	p.OnNewTokenAvailable(func(c auth.Credentials) { ch <- c })
	return ch
}

func expectToken(t *testing.T, ch chan auth.Credentials) auth.Credentials {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no new token")
	}
	return auth.Credentials{}
}

func expectNoToken(t *testing.T, ch chan auth.Credentials) {
	t.Helper()
	select {
	case c := <-ch:
		t.Fatalf("unexpected new token %s", c.SharedAccessSignature)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGetCredentials(t *testing.T) {
	p, _ := newTpmProvider(t, &fakeSecurityClient{})

	c, err := p.GetCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "deviceId", c.DeviceID)
	assert.Equal(t, "test.host", c.Host)
	assert.Equal(t, testStart.Add(10*time.Second), c.TokenValidUntil)
	assert.Equal(t, auth.StateActive, p.State())

	token, err := sas.Parse(c.SharedAccessSignature)
	require.NoError(t, err)
	assert.Equal(t, "test.host/devices/deviceId", token.ResourceURI)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("signed data")), token.Signature)
	assert.Equal(t, "1600000010", token.Expiry)
	assert.Empty(t, token.KeyName)
}

func TestGetCredentialsReturnsSigningError(t *testing.T) {
	testError := errors.New("test")
	p, fakeClock := newTpmProvider(t, &fakeSecurityClient{err: testError})

	_, err := p.GetCredentials(context.Background())
	assert.ErrorIs(t, err, testError)
	assert.True(t, core.IsSigning(err), "expected SigningError, got %v", err)
	assert.Equal(t, auth.StateIdle, p.State())
	assert.False(t, fakeClock.HasWaiters(), "no renewal timer after a failure")
}

func TestGetCredentialsReturnsCachedToken(t *testing.T) {
	client := &fakeSecurityClient{}
	p, _ := newTpmProvider(t, client)

	first, err := p.GetCredentials(context.Background())
	require.NoError(t, err)
	second, err := p.GetCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, client.calls)
}

func TestFirstTokenIsAnnounced(t *testing.T) {
	p, _ := newTpmProvider(t, &fakeSecurityClient{})
	ch := tokens(p)

	c, err := p.GetCredentials(context.Background())
	require.NoError(t, err)
	// emitted before GetCredentials returned
	require.Len(t, ch, 1)
	assert.Equal(t, c, <-ch)
}

func TestRenewalTimer(t *testing.T) {
	p, fakeClock := newTpmProvider(t, &fakeSecurityClient{})
	ch := tokens(p)

	first, err := p.GetCredentials(context.Background())
	require.NoError(t, err)
	expectToken(t, ch)

	fakeClock.Step(8999 * time.Millisecond)
	expectNoToken(t, ch)

	fakeClock.Step(1000 * time.Millisecond)
	second := expectToken(t, ch)
	assert.NotEqual(t, first.SharedAccessSignature, second.SharedAccessSignature)
	assert.Equal(t, testStart.Add(19999*time.Millisecond).Truncate(time.Second), second.TokenValidUntil)

	fakeClock.Step(10 * time.Second)
	expectToken(t, ch)
}

func TestRenewalFailureEmitsError(t *testing.T) {
	testError := errors.New("test")
	client := &fakeSecurityClient{}
	p, fakeClock := newTpmProvider(t, client)
	ch := tokens(p)
	errs := make(chan error, 4)
	p.OnError(func(err error) { errs <- err })

	_, err := p.GetCredentials(context.Background())
	require.NoError(t, err)
	expectToken(t, ch)

	client.setError(testError)
	fakeClock.Step(9 * time.Second)

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, testError)
		assert.True(t, core.IsSigning(err), "expected SigningError, got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("no error event")
	}
	assert.Equal(t, auth.StateIdle, p.State())
	assert.False(t, fakeClock.HasWaiters(), "no renewal timer after a failure")
	expectNoToken(t, ch)

	// the next caller tries again
	client.setError(nil)
	_, err = p.GetCredentials(context.Background())
	require.NoError(t, err)
	expectToken(t, ch)
	assert.True(t, fakeClock.HasWaiters())
}

func TestStop(t *testing.T) {
	p, fakeClock := newTpmProvider(t, &fakeSecurityClient{})
	ch := tokens(p)

	_, err := p.GetCredentials(context.Background())
	require.NoError(t, err)
	expectToken(t, ch)
	fakeClock.Step(8999 * time.Millisecond)
	expectNoToken(t, ch)
	fakeClock.Step(1000 * time.Millisecond)
	expectToken(t, ch)

	p.Stop()
	p.Stop()
	assert.Equal(t, auth.StateStopped, p.State())
	assert.False(t, fakeClock.HasWaiters())

	fakeClock.Step(10 * time.Second)
	expectNoToken(t, ch)

	_, err = p.GetCredentials(context.Background())
	assert.True(t, core.IsInvalidOperation(err), "expected InvalidOperationError, got %v", err)
}

func TestStopCancelsRunningSignature(t *testing.T) {
	started := make(chan struct{})
	signer := sas.SignerFunc(func(ctx context.Context, data []byte) ([]byte, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	p, err := auth.NewProvider(auth.Credentials{Host: "h", DeviceID: "d"}, signer)
	require.NoError(t, err)
	ch := tokens(p)

	result := make(chan error, 1)
	go func() {
		_, err := p.GetCredentials(context.Background())
		result <- err
	}()
	<-started
	p.Stop()

	select {
	case err := <-result:
		assert.True(t, core.IsInvalidOperation(err), "expected InvalidOperationError, got %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("GetCredentials did not return")
	}
	expectNoToken(t, ch)
}

func TestUpdateSharedAccessSignatureIsInvalid(t *testing.T) {
	p, _ := newTpmProvider(t, &fakeSecurityClient{})
	err := p.UpdateSharedAccessSignature("sas")
	assert.True(t, core.IsInvalidOperation(err), "expected InvalidOperationError, got %v", err)
}

func TestFromTpmSecurityClient(t *testing.T) {
	client := &fakeSecurityClient{}

	p, err := auth.FromTpmSecurityClient("deviceId", "test.host", client)
	require.NoError(t, err)
	p.Stop()

	_, err = auth.FromTpmSecurityClient("", "test.host", client)
	assert.True(t, core.IsArgument(err), "empty device id: %v", err)

	_, err = auth.FromTpmSecurityClient("deviceId", "", client)
	assert.True(t, core.IsArgument(err), "empty host: %v", err)

	_, err = auth.FromTpmSecurityClient("deviceId", "test.host", nil)
	assert.True(t, core.IsArgument(err), "nil client: %v", err)
}

func TestInvalidRenewalConfig(t *testing.T) {
	client := &fakeSecurityClient{}
	for _, c := range []auth.RenewalConfig{
		{TokenValidity: 10 * time.Second, RenewalMargin: 10 * time.Second},
		{TokenValidity: 10 * time.Second, RenewalMargin: -time.Second},
		{TokenValidity: 0, RenewalMargin: 0},
	} {
		_, err := auth.FromTpmSecurityClient("deviceId", "test.host", client, auth.WithRenewalConfig(c))
		assert.True(t, core.IsArgument(err), "%+v: expected ArgumentError, got %v", c, err)
	}
}

func TestConcurrentCallersShareOneSignature(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	signer := sas.SignerFunc(func(ctx context.Context, data []byte) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []byte("signature"), nil
	})
	p, err := auth.NewProvider(auth.Credentials{Host: "h", DeviceID: "d"}, signer)
	require.NoError(t, err)
	defer p.Stop()
	ch := tokens(p)

	const callers = 10
	results := make([]auth.Credentials, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := p.GetCredentials(context.Background())
			assert.NoError(t, err)
			results[i] = c
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	for _, c := range results {
		assert.Equal(t, results[0].SharedAccessSignature, c.SharedAccessSignature)
	}
	expectToken(t, ch)
	expectNoToken(t, ch)
}

func TestCancelledCallerDoesNotAbortSigning(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	signer := sas.SignerFunc(func(ctx context.Context, data []byte) ([]byte, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return []byte("signature"), nil
	})
	p, err := auth.NewProvider(auth.Credentials{Host: "h", DeviceID: "d"}, signer)
	require.NoError(t, err)
	defer p.Stop()
	ch := tokens(p)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.GetCredentials(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	expectToken(t, ch)
	_, err = p.GetCredentials(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCancelledListenerIsNotCalled(t *testing.T) {
	p, _ := newTpmProvider(t, &fakeSecurityClient{})
	var called bool
	cancel := p.OnNewTokenAvailable(func(auth.Credentials) { called = true })
	cancel()

	_, err := p.GetCredentials(context.Background())
	require.NoError(t, err)
	assert.False(t, called)
}

func TestStopFromErrorListener(t *testing.T) {
	client := &fakeSecurityClient{}
	p, fakeClock := newTpmProvider(t, client)
	stopped := make(chan struct{})
	p.OnError(func(error) {
		p.Stop()
		close(stopped)
	})

	_, err := p.GetCredentials(context.Background())
	require.NoError(t, err)
	client.setError(errors.New("test"))
	fakeClock.Step(9 * time.Second)

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop called from an error listener did not return")
	}
	assert.Equal(t, auth.StateStopped, p.State())
	assert.False(t, fakeClock.HasWaiters())
}

func TestStopFromNewTokenListener(t *testing.T) {
	p, fakeClock := newTpmProvider(t, &fakeSecurityClient{})
	var later int32
	p.OnNewTokenAvailable(func(auth.Credentials) { p.Stop() })
	p.OnNewTokenAvailable(func(auth.Credentials) { atomic.AddInt32(&later, 1) })

	type result struct {
		c   auth.Credentials
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := p.GetCredentials(context.Background())
		done <- result{c, err}
	}()

	select {
	case r := <-done:
		require.NoError(t, r.err)
		assert.NotEmpty(t, r.c.SharedAccessSignature)
	case <-time.After(5 * time.Second):
		t.Fatal("GetCredentials did not return")
	}
	assert.Equal(t, auth.StateStopped, p.State())
	assert.Equal(t, int32(0), atomic.LoadInt32(&later), "listeners after the stopping one are not called")
	assert.False(t, fakeClock.HasWaiters())
}

func TestCachedTokenIsNeverExpired(t *testing.T) {
	fakeClock := clocktesting.NewFakeClock(testStart.Add(500 * time.Millisecond))
	p, err := auth.FromTpmSecurityClient("deviceId", "test.host", &fakeSecurityClient{},
		auth.WithClock(fakeClock),
		auth.WithRenewalConfig(auth.RenewalConfig{TokenValidity: 10 * time.Second}))
	require.NoError(t, err)
	defer p.Stop()

	first, err := p.GetCredentials(context.Background())
	require.NoError(t, err)
	// the expiry has second resolution
	assert.Equal(t, testStart.Add(10*time.Second), first.TokenValidUntil)

	fakeClock.Step(9700 * time.Millisecond)
	c, err := p.GetCredentials(context.Background())
	require.NoError(t, err)
	assert.True(t, c.TokenValidUntil.After(fakeClock.Now()), "token valid until %s returned at %s",
		c.TokenValidUntil, fakeClock.Now())
}

func TestRenewalMarginBelowOneSecond(t *testing.T) {
	_, err := auth.FromTpmSecurityClient("deviceId", "test.host", &fakeSecurityClient{},
		auth.WithRenewalConfig(auth.RenewalConfig{TokenValidity: 10 * time.Second, RenewalMargin: 9500 * time.Millisecond}))
	assert.True(t, core.IsArgument(err), "expected ArgumentError, got %v", err)
}

func TestTimerAndCallerShareOneSignature(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	signer := sas.SignerFunc(func(ctx context.Context, data []byte) ([]byte, error) {
		if atomic.AddInt32(&calls, 1) > 1 {
			<-release
		}
		return []byte(fmt.Sprintf("signature %d", atomic.LoadInt32(&calls))), nil
	})
	fakeClock := clocktesting.NewFakeClock(testStart)
	p, err := auth.NewProvider(auth.Credentials{Host: "h", DeviceID: "d"}, signer,
		auth.WithClock(fakeClock), auth.WithRenewalConfig(testRenewal))
	require.NoError(t, err)
	defer p.Stop()
	ch := tokens(p)

	first, err := p.GetCredentials(context.Background())
	require.NoError(t, err)
	expectToken(t, ch)

	// the timer starts the second signature, which blocks
	fakeClock.Step(9 * time.Second)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 2 }, 5*time.Second, time.Millisecond)
	assert.Equal(t, auth.StateGenerating, p.State())

	result := make(chan auth.Credentials, 1)
	go func() {
		c, err := p.GetCredentials(context.Background())
		assert.NoError(t, err)
		result <- c
	}()
	time.Sleep(20 * time.Millisecond)
	close(release)

	renewed := expectToken(t, ch)
	select {
	case c := <-result:
		assert.Equal(t, renewed.SharedAccessSignature, c.SharedAccessSignature)
		assert.NotEqual(t, first.SharedAccessSignature, c.SharedAccessSignature)
	case <-time.After(5 * time.Second):
		t.Fatal("GetCredentials did not return")
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	expectNoToken(t, ch)
}
