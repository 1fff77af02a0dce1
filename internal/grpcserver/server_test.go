package grpcserver

import (
	"context"
	"image"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"panostitch/internal/params"
	"panostitch/internal/registry"
	"panostitch/internal/stitcher"
	"panostitch/internal/synth"
)

func start(t *testing.T, st *stitcher.Stitcher) (*Client, healthpb.HealthClient) {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := New(st, nil)
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.ServeListener(ctx, lis)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewClient(conn), healthpb.NewHealthClient(conn)
}

func newStitcher() *stitcher.Stitcher {
	p := params.New()
	p.Set(string(registry.BundleAdjuster), "NoBundleAdjuster")
	return stitcher.New(registry.NewDefault(), stitcher.WithParameters(p), stitcher.WithMatchWorkers(2))
}

func TestServingStatus(t *testing.T) {
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, ServingStatus(stitcher.StateIdle))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, ServingStatus(stitcher.StatePartiallySucceeded))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, ServingStatus(stitcher.StateFailed))
}

func TestHealthFollowsRuns(t *testing.T) {
	st := newStitcher()
	_, hc := start(t, st)
	ctx := context.Background()

	resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	// an empty image set fails the run
	st.Stitch()
	resp, err = hc.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}

func TestIntrospectionRPCs(t *testing.T) {
	st := newStitcher()
	client, _ := start(t, st)
	ctx := context.Background()

	schema, err := client.GetSchema(ctx)
	require.NoError(t, err)
	items := schema.GetFields()["items"].GetListValue().GetValues()
	require.NotEmpty(t, items)
	assert.Equal(t, "mode", items[0].GetStructValue().GetFields()["title"].GetStringValue())

	p, err := client.GetParameters(ctx)
	require.NoError(t, err)
	assert.Equal(t, "NoBundleAdjuster", p.GetFields()["bundleAdjuster"].GetStringValue())

	_, err = client.GetCamera(ctx, 0)
	assert.Equal(t, codes.NotFound, status.Code(err))

	tex := synth.Texture(420, 120, 4, 5)
	st.SetImages(synth.Tiles(tex, image.Pt(100, 80), image.Pt(0, 0), image.Pt(60, 0)))
	require.Len(t, st.Stitch(), 1)

	comps, err := client.GetComponents(ctx)
	require.NoError(t, err)
	assert.Equal(t, "succeeded", comps.GetFields()["state"].GetStringValue())
	list := comps.GetFields()["components"].GetListValue().GetValues()
	require.Len(t, list, 1)
	assert.Len(t, list[0].GetStructValue().GetFields()["indices"].GetListValue().GetValues(), 2)

	cam, err := client.GetCamera(ctx, 1)
	require.NoError(t, err)
	assert.Contains(t, cam.GetFields(), "focal")
}

func TestGetCameraNeedsIndex(t *testing.T) {
	srv := New(newStitcher(), nil)
	defer srv.Close()
	_, err := srv.GetCamera(context.Background(), nil)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
