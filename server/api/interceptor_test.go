// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"bytes"
	"context"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/absmach/fluxbus/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggingInterceptor(t *testing.T) {
	e := newEnv(t, nil, nil)
	e.start(t)

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	srv := httptest.NewServer(NewMux(e.host, nil, logger))
	t.Cleanup(srv.Close)
	client := rpc.NewBrokerServiceClient(srv.Client(), srv.URL)

	_, err := client.Publish(context.Background(), publishRequest(2, orderPlaced, `{}`))
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "procedure="+rpc.PublishProcedure)
	assert.NotContains(t, buf.String(), "code=")

	buf.Reset()
	_, err = client.Publish(context.Background(), publishRequest(1, orderPlaced, `{}`))
	require.Error(t, err)
	assert.Contains(t, buf.String(), "code=failed_precondition")
}
