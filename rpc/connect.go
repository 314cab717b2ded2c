// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"net/http"
	"strings"

	"connectrpc.com/connect"
)

// BrokerServiceHandler is implemented by broker partitions servers.
type BrokerServiceHandler interface {
	Publish(context.Context, *connect.Request[PublishRequest]) (*connect.Response[PublishResponse], error)
	Register(context.Context, *connect.Request[SubscriptionRequest]) (*connect.Response[SubscriptionResponse], error)
	Unregister(context.Context, *connect.Request[SubscriptionRequest]) (*connect.Response[SubscriptionResponse], error)
	Stats(context.Context, *connect.Request[StatsRequest]) (*connect.Response[StatsResponse], error)
	DeadLetters(context.Context, *connect.Request[DeadLetterRequest]) (*connect.Response[DeadLettersResponse], error)
	RetryDeadLetters(context.Context, *connect.Request[DeadLetterRequest]) (*connect.Response[DeadLetterCountResponse], error)
	PurgeDeadLetters(context.Context, *connect.Request[DeadLetterRequest]) (*connect.Response[DeadLetterCountResponse], error)
}

// SubscriberServiceHandler is implemented by subscriber endpoints.
type SubscriberServiceHandler interface {
	ReceiveMessage(context.Context, *connect.Request[DeliverRequest]) (*connect.Response[DeliverResponse], error)
}

// NewBrokerServiceHandler builds an HTTP handler serving svc. It returns
// the path to mount the handler on.
func NewBrokerServiceHandler(svc BrokerServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = withHandlerCodec(opts)

	handlers := map[string]http.Handler{
		PublishProcedure:          connect.NewUnaryHandler(PublishProcedure, svc.Publish, opts...),
		RegisterProcedure:         connect.NewUnaryHandler(RegisterProcedure, svc.Register, opts...),
		UnregisterProcedure:       connect.NewUnaryHandler(UnregisterProcedure, svc.Unregister, opts...),
		StatsProcedure:            connect.NewUnaryHandler(StatsProcedure, svc.Stats, opts...),
		DeadLettersProcedure:      connect.NewUnaryHandler(DeadLettersProcedure, svc.DeadLetters, opts...),
		RetryDeadLettersProcedure: connect.NewUnaryHandler(RetryDeadLettersProcedure, svc.RetryDeadLetters, opts...),
		PurgeDeadLettersProcedure: connect.NewUnaryHandler(PurgeDeadLettersProcedure, svc.PurgeDeadLetters, opts...),
	}

	return "/" + BrokerServiceName + "/", dispatch(handlers)
}

// NewSubscriberServiceHandler builds an HTTP handler serving svc.
func NewSubscriberServiceHandler(svc SubscriberServiceHandler, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = withHandlerCodec(opts)

	handlers := map[string]http.Handler{
		ReceiveMessageProcedure: connect.NewUnaryHandler(ReceiveMessageProcedure, svc.ReceiveMessage, opts...),
	}

	return "/" + SubscriberServiceName + "/", dispatch(handlers)
}

func dispatch(handlers map[string]http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h, ok := handlers[r.URL.Path]; ok {
			h.ServeHTTP(w, r)
			return
		}
		http.NotFound(w, r)
	})
}

func withHandlerCodec(opts []connect.HandlerOption) []connect.HandlerOption {
	return append([]connect.HandlerOption{WithCodec()}, opts...)
}

func withClientCodec(opts []connect.ClientOption) []connect.ClientOption {
	return append([]connect.ClientOption{WithCodec()}, opts...)
}

// BrokerServiceClient calls a broker partition.
type BrokerServiceClient struct {
	publish          *connect.Client[PublishRequest, PublishResponse]
	register         *connect.Client[SubscriptionRequest, SubscriptionResponse]
	unregister       *connect.Client[SubscriptionRequest, SubscriptionResponse]
	stats            *connect.Client[StatsRequest, StatsResponse]
	deadLetters      *connect.Client[DeadLetterRequest, DeadLettersResponse]
	retryDeadLetters *connect.Client[DeadLetterRequest, DeadLetterCountResponse]
	purgeDeadLetters *connect.Client[DeadLetterRequest, DeadLetterCountResponse]
}

// NewBrokerServiceClient returns a client for the broker served at baseURL.
func NewBrokerServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *BrokerServiceClient {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = withClientCodec(opts)

	return &BrokerServiceClient{
		publish:          connect.NewClient[PublishRequest, PublishResponse](httpClient, baseURL+PublishProcedure, opts...),
		register:         connect.NewClient[SubscriptionRequest, SubscriptionResponse](httpClient, baseURL+RegisterProcedure, opts...),
		unregister:       connect.NewClient[SubscriptionRequest, SubscriptionResponse](httpClient, baseURL+UnregisterProcedure, opts...),
		stats:            connect.NewClient[StatsRequest, StatsResponse](httpClient, baseURL+StatsProcedure, opts...),
		deadLetters:      connect.NewClient[DeadLetterRequest, DeadLettersResponse](httpClient, baseURL+DeadLettersProcedure, opts...),
		retryDeadLetters: connect.NewClient[DeadLetterRequest, DeadLetterCountResponse](httpClient, baseURL+RetryDeadLettersProcedure, opts...),
		purgeDeadLetters: connect.NewClient[DeadLetterRequest, DeadLetterCountResponse](httpClient, baseURL+PurgeDeadLettersProcedure, opts...),
	}
}

// Publish calls BrokerService.Publish.
func (c *BrokerServiceClient) Publish(ctx context.Context, req *connect.Request[PublishRequest]) (*connect.Response[PublishResponse], error) {
	return c.publish.CallUnary(ctx, req)
}

// Register calls BrokerService.Register.
func (c *BrokerServiceClient) Register(ctx context.Context, req *connect.Request[SubscriptionRequest]) (*connect.Response[SubscriptionResponse], error) {
	return c.register.CallUnary(ctx, req)
}

// Unregister calls BrokerService.Unregister.
func (c *BrokerServiceClient) Unregister(ctx context.Context, req *connect.Request[SubscriptionRequest]) (*connect.Response[SubscriptionResponse], error) {
	return c.unregister.CallUnary(ctx, req)
}

// Stats calls BrokerService.Stats.
func (c *BrokerServiceClient) Stats(ctx context.Context, req *connect.Request[StatsRequest]) (*connect.Response[StatsResponse], error) {
	return c.stats.CallUnary(ctx, req)
}

// DeadLetters calls BrokerService.DeadLetters.
func (c *BrokerServiceClient) DeadLetters(ctx context.Context, req *connect.Request[DeadLetterRequest]) (*connect.Response[DeadLettersResponse], error) {
	return c.deadLetters.CallUnary(ctx, req)
}

// RetryDeadLetters calls BrokerService.RetryDeadLetters.
func (c *BrokerServiceClient) RetryDeadLetters(ctx context.Context, req *connect.Request[DeadLetterRequest]) (*connect.Response[DeadLetterCountResponse], error) {
	return c.retryDeadLetters.CallUnary(ctx, req)
}

// PurgeDeadLetters calls BrokerService.PurgeDeadLetters.
func (c *BrokerServiceClient) PurgeDeadLetters(ctx context.Context, req *connect.Request[DeadLetterRequest]) (*connect.Response[DeadLetterCountResponse], error) {
	return c.purgeDeadLetters.CallUnary(ctx, req)
}

// SubscriberServiceClient calls a subscriber endpoint.
type SubscriberServiceClient struct {
	receiveMessage *connect.Client[DeliverRequest, DeliverResponse]
}

// NewSubscriberServiceClient returns a client for the subscriber served at baseURL.
func NewSubscriberServiceClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *SubscriberServiceClient {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = withClientCodec(opts)

	return &SubscriberServiceClient{
		receiveMessage: connect.NewClient[DeliverRequest, DeliverResponse](httpClient, baseURL+ReceiveMessageProcedure, opts...),
	}
}

// ReceiveMessage calls SubscriberService.ReceiveMessage.
func (c *SubscriberServiceClient) ReceiveMessage(ctx context.Context, req *connect.Request[DeliverRequest]) (*connect.Response[DeliverResponse], error) {
	return c.receiveMessage.CallUnary(ctx, req)
}
