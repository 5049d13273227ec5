// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the Lance Client License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package lance

import (
	"context"
	"errors"
	"testing"

	"github.com/nishisan-dev/lance-client/lwp"
)

func TestClient_TopicLifecycle(t *testing.T) {
	broker := startTestBroker(t, lwp.CompressionNone)

	c, err := Dial(context.Background(), broker.clientConfig(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close(context.Background())

	info, err := c.CreateTopic(context.Background(), "orders", lwp.Retention{MaxAgeSecs: 3600, MaxBytes: 1 << 30})
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	if info.ID == 0 || info.Name != "orders" {
		t.Errorf("unexpected topic info: %+v", info)
	}
	if info.MaxAgeSecs != 3600 || info.MaxBytes != 1<<30 {
		t.Errorf("retention not preserved: %+v", info)
	}
	if info.CreatedAtNs == 0 {
		t.Error("expected created_at_ns to be set")
	}

	got, err := c.GetTopic(context.Background(), "orders")
	if err != nil {
		t.Fatalf("GetTopic: %v", err)
	}
	if got.ID != info.ID {
		t.Errorf("expected id %d, got %d", info.ID, got.ID)
	}

	if _, err := c.CreateTopic(context.Background(), "audit", lwp.Retention{}); err != nil {
		t.Fatalf("CreateTopic audit: %v", err)
	}
	topics, err := c.ListTopics(context.Background())
	if err != nil {
		t.Fatalf("ListTopics: %v", err)
	}
	if len(topics) != 2 {
		t.Errorf("expected 2 topics, got %d", len(topics))
	}

	if err := c.SetRetention(context.Background(), uint32(info.ID), lwp.Retention{MaxAgeSecs: 60}); err != nil {
		t.Fatalf("SetRetention: %v", err)
	}

	if err := c.DeleteTopic(context.Background(), "orders"); err != nil {
		t.Fatalf("DeleteTopic: %v", err)
	}
	if _, err := c.GetTopic(context.Background(), "orders"); !errors.Is(err, lwp.ErrTopicNotFound) {
		t.Errorf("expected topic-not-found after delete, got %v", err)
	}
}

func TestClient_GetTopicNotFound(t *testing.T) {
	broker := startTestBroker(t, lwp.CompressionNone)

	c, err := Dial(context.Background(), broker.clientConfig(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close(context.Background())

	_, err = c.GetTopic(context.Background(), "missing")
	if !errors.Is(err, lwp.ErrTopicNotFound) {
		t.Fatalf("expected topic-not-found, got %v", err)
	}
}

func TestClient_Ping(t *testing.T) {
	broker := startTestBroker(t, lwp.CompressionNone)

	c, err := Dial(context.Background(), broker.clientConfig(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close(context.Background())

	rtt, err := c.Ping(context.Background())
	if err != nil {
		t.Fatalf("Ping: %v", err)
	}
	if rtt <= 0 {
		t.Errorf("expected positive rtt, got %s", rtt)
	}
}

func TestDial_InvalidConfig(t *testing.T) {
	_, err := Dial(context.Background(), ClientConfig{}, nil)
	if err == nil {
		t.Fatal("expected validation error for empty config")
	}
}
