package collectors

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"
	"github.com/go-kit/log"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

const testPrefix = "otlp/collectors/"

type fakeSecrets struct {
	mtx     sync.Mutex
	secrets map[string]*string
	err     error
	// listing blocks until release is closed, when set.
	release chan struct{}

	listCalls atomic.Int32
	getCalls  atomic.Int32
}

func newFakeSecrets(secrets map[string]string) *fakeSecrets {
	f := &fakeSecrets{secrets: map[string]*string{}}
	for name, value := range secrets {
		f.secrets[name] = aws.String(value)
	}
	return f
}

func (f *fakeSecrets) setErr(err error) {
	f.mtx.Lock()
	defer f.mtx.Unlock()
	f.err = err
}

func (f *fakeSecrets) ListSecrets(ctx context.Context, _ *secretsmanager.ListSecretsInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.ListSecretsOutput, error) {
	f.listCalls.Inc()
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := &secretsmanager.ListSecretsOutput{}
	names := make([]string, 0, len(f.secrets))
	for name := range f.secrets {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		out.SecretList = append(out.SecretList, types.SecretListEntry{Name: aws.String(name)})
	}
	return out, nil
}

func (f *fakeSecrets) BatchGetSecretValue(_ context.Context, in *secretsmanager.BatchGetSecretValueInput, _ ...func(*secretsmanager.Options)) (*secretsmanager.BatchGetSecretValueOutput, error) {
	f.getCalls.Inc()

	f.mtx.Lock()
	defer f.mtx.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	if len(in.SecretIdList) > batchGetLimit {
		return nil, fmt.Errorf("too many secret ids: %d", len(in.SecretIdList))
	}
	out := &secretsmanager.BatchGetSecretValueOutput{}
	for _, id := range in.SecretIdList {
		value, ok := f.secrets[id]
		if !ok {
			out.Errors = append(out.Errors, types.APIErrorType{SecretId: aws.String(id), ErrorCode: aws.String("ResourceNotFoundException")})
			continue
		}
		out.SecretValues = append(out.SecretValues, types.SecretValueEntry{Name: aws.String(id), SecretString: value})
	}
	return out, nil
}

type fakeClock struct {
	mtx sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() Config {
	return Config{
		SecretsPrefix:   testPrefix,
		CacheTTLSeconds: 300,
		RefreshTimeout:  time.Second,
		Default:         All,
		RoutingHeader:   DefaultRoutingHeader,
		SigningRegion:   "us-east-1",
	}
}

func newTestRegistry(t *testing.T, client SecretsClient) (*Registry, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	r := NewRegistry(testConfig(), client, log.NewNopLogger(), nil)
	r.now = clock.Now
	return r, clock
}

func defaultSecrets() map[string]string {
	return map[string]string{
		testPrefix + "honeycomb": `{"name":"honeycomb","endpoint":"https://api.honeycomb.io","auth":"x-honeycomb-team=abc"}`,
		testPrefix + "xray":      `{"endpoint":"https://xray.eu-west-1.amazonaws.com","auth":"sigv4"}`,
		testPrefix + "local":     `{"name":"local","endpoint":"http://collector:4318/v1/traces"}`,
	}
}

func names(collectors []*Collector) []string {
	out := make([]string, 0, len(collectors))
	for _, c := range collectors {
		out = append(out, c.Name)
	}
	return out
}

func TestRegistryCachesWithinTTL(t *testing.T) {
	client := newFakeSecrets(defaultSecrets())
	r, clock := newTestRegistry(t, client)
	ctx := context.Background()

	_, err := r.Get(ctx, "honeycomb")
	require.NoError(t, err)
	clock.Advance(299 * time.Second)
	_, err = r.Get(ctx, "local")
	require.NoError(t, err)
	require.Equal(t, int32(1), client.listCalls.Load())
	require.Equal(t, int32(1), client.getCalls.Load())

	clock.Advance(time.Second)
	_, err = r.Get(ctx, "local")
	require.NoError(t, err)
	require.Equal(t, int32(2), client.listCalls.Load())
}

func TestRegistryConcurrentRefresh(t *testing.T) {
	client := newFakeSecrets(defaultSecrets())
	client.release = make(chan struct{})
	r, _ := newTestRegistry(t, client)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Resolve(context.Background(), "")
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return client.listCalls.Load() == 1 }, time.Second, time.Millisecond)
	close(client.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), client.listCalls.Load())
}

func TestRegistryConcurrentRefreshAfterExpiry(t *testing.T) {
	client := newFakeSecrets(defaultSecrets())
	r, clock := newTestRegistry(t, client)

	_, err := r.Resolve(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, int32(1), client.listCalls.Load())

	client.release = make(chan struct{})
	clock.Advance(301 * time.Second)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Resolve(context.Background(), "local")
			errs <- err
		}()
	}

	require.Eventually(t, func() bool { return client.listCalls.Load() == 2 }, time.Second, time.Millisecond)
	close(client.release)
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(2), client.listCalls.Load())
	require.Equal(t, int32(2), client.getCalls.Load())

	// The refreshed snapshot serves later lookups.
	_, err = r.Resolve(context.Background(), "honeycomb")
	require.NoError(t, err)
	require.Equal(t, int32(2), client.listCalls.Load())
}

func TestRegistryNotFoundDoesNotRefresh(t *testing.T) {
	client := newFakeSecrets(defaultSecrets())
	r, _ := newTestRegistry(t, client)
	ctx := context.Background()

	_, err := r.Get(ctx, "local")
	require.NoError(t, err)

	_, err = r.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, int32(1), client.listCalls.Load())
}

func TestRegistryServesStaleOnRefreshFailure(t *testing.T) {
	client := newFakeSecrets(defaultSecrets())
	reg := prometheus.NewRegistry()
	r := NewRegistry(testConfig(), client, log.NewNopLogger(), reg)
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	r.now = clock.Now
	ctx := context.Background()

	_, err := r.Get(ctx, "local")
	require.NoError(t, err)

	client.setErr(errors.New("throttled"))
	clock.Advance(time.Hour)

	c, err := r.Get(ctx, "local")
	require.NoError(t, err)
	require.Equal(t, "local", c.Name)

	_, err = r.Get(ctx, "missing")
	require.ErrorIs(t, err, ErrUnavailable)
	require.NotErrorIs(t, err, ErrNotFound)

	require.Equal(t, 1.0, testutil.ToFloat64(r.metrics.refreshes.WithLabelValues("success")))
	require.Equal(t, 2.0, testutil.ToFloat64(r.metrics.refreshes.WithLabelValues("failure")))
	require.Equal(t, 2.0, testutil.ToFloat64(r.metrics.staleServed))

	// Recovery replaces the expired configuration.
	client.setErr(nil)
	_, err = r.Get(ctx, "local")
	require.NoError(t, err)
	require.Equal(t, 2.0, testutil.ToFloat64(r.metrics.refreshes.WithLabelValues("success")))
}

func TestRegistryUnavailableWithoutCache(t *testing.T) {
	client := newFakeSecrets(defaultSecrets())
	client.setErr(errors.New("access denied"))
	r, _ := newTestRegistry(t, client)

	_, err := r.Resolve(context.Background(), "")
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestRegistryCancelledCallerDoesNotCancelRefresh(t *testing.T) {
	client := newFakeSecrets(defaultSecrets())
	client.release = make(chan struct{})
	r, _ := newTestRegistry(t, client)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := r.Resolve(ctx, "local")
		done <- err
	}()
	require.Eventually(t, func() bool { return client.listCalls.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	require.ErrorIs(t, <-done, ErrUnavailable)

	close(client.release)
	require.Eventually(t, func() bool { return r.current.Load() != nil }, time.Second, time.Millisecond)

	_, err := r.Get(context.Background(), "local")
	require.NoError(t, err)
	require.Equal(t, int32(1), client.listCalls.Load())
}

func TestRegistryRoutes(t *testing.T) {
	r, _ := newTestRegistry(t, newFakeSecrets(defaultSecrets()))
	ctx := context.Background()

	for _, tc := range []struct {
		route    string
		expected []string
		err      error
	}{
		{route: "", expected: []string{"honeycomb", "local", "xray"}},
		{route: "*", expected: []string{"honeycomb", "local", "xray"}},
		{route: "local", expected: []string{"local"}},
		{route: " xray , local,xray", expected: []string{"xray", "local"}},
		{route: "local,nope", err: ErrNotFound},
		{route: " , ", err: ErrNotFound},
	} {
		t.Run(tc.route, func(t *testing.T) {
			collectors, err := r.Resolve(ctx, tc.route)
			if tc.err != nil {
				require.ErrorIs(t, err, tc.err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, names(collectors))
		})
	}
}

func TestRegistryEmptyConfiguration(t *testing.T) {
	r, _ := newTestRegistry(t, newFakeSecrets(nil))
	_, err := r.Resolve(context.Background(), "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegistryParsesSecrets(t *testing.T) {
	secrets := defaultSecrets()
	secrets[testPrefix+"broken"] = `{"endpoint":`
	secrets[testPrefix+"relative"] = `{"endpoint":"/v1/traces"}`
	secrets[testPrefix+"dup"] = `{"name":"local","endpoint":"http://other:4318"}`
	secrets["unrelated/secret"] = `{"endpoint":"http://elsewhere:4318"}`

	r, _ := newTestRegistry(t, newFakeSecrets(secrets))
	collectors, err := r.Resolve(context.Background(), All)
	require.NoError(t, err)
	require.Equal(t, []string{"honeycomb", "local", "xray"}, names(collectors))

	byName := map[string]*Collector{}
	for _, c := range collectors {
		byName[c.Name] = c
	}
	require.Equal(t, StaticHeaders{{Key: "x-honeycomb-team", Value: "abc"}}, byName["honeycomb"].Auth)
	require.Equal(t, SignedRequest{Service: "xray", Region: "eu-west-1"}, byName["xray"].Auth)
	require.Equal(t, NoAuth{}, byName["local"].Auth)
	// The first secret listed wins a name clash.
	require.Equal(t, "http://other:4318", byName["local"].Endpoint)
}

func TestRegistryBatchesSecretFetches(t *testing.T) {
	secrets := map[string]string{}
	for i := 0; i < 45; i++ {
		secrets[fmt.Sprintf("%sc%02d", testPrefix, i)] = fmt.Sprintf(`{"endpoint":"http://c%02d:4318"}`, i)
	}
	client := newFakeSecrets(secrets)
	r, _ := newTestRegistry(t, client)

	collectors, err := r.Resolve(context.Background(), All)
	require.NoError(t, err)
	require.Len(t, collectors, 45)
	require.Equal(t, int32(3), client.getCalls.Load())
}

func TestRegistryInvalidate(t *testing.T) {
	client := newFakeSecrets(defaultSecrets())
	r, _ := newTestRegistry(t, client)
	ctx := context.Background()

	r.Invalidate()
	_, err := r.Get(ctx, "local")
	require.NoError(t, err)
	require.Equal(t, int32(1), client.listCalls.Load())

	r.Invalidate()
	client.setErr(errors.New("throttled"))
	_, err = r.Get(ctx, "local")
	require.NoError(t, err)
	require.Equal(t, int32(2), client.listCalls.Load())
}

func TestSplitRoute(t *testing.T) {
	r, _ := newTestRegistry(t, newFakeSecrets(nil))

	route, rest := r.SplitRoute(map[string]string{"X-OTLP-Collector": "local", "x-tenant": "acme"})
	require.Equal(t, "local", route)
	require.Equal(t, map[string]string{"x-tenant": "acme"}, rest)

	route, rest = r.SplitRoute(nil)
	require.Empty(t, route)
	require.Nil(t, rest)
}
