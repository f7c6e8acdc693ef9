package eventbus

import "testing"

func TestPublishMonotonicSeqPerTopic(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	defer sub.Close()

	b.Publish(TopicRiskUpdate, 1)
	b.Publish(TopicRiskUpdate, 2)
	b.Publish(TopicNotification, "x")

	first := <-sub.C
	second := <-sub.C
	third := <-sub.C

	if first.Seq != 1 || second.Seq != 2 {
		t.Fatalf("expected monotonic seq 1,2 on risk_update, got %d,%d", first.Seq, second.Seq)
	}
	if third.Seq != 1 {
		t.Fatalf("expected independent seq counter per topic, got %d", third.Seq)
	}
}

func TestSubscribeAndClose(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	if b.SubscriberCount() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", b.SubscriberCount())
	}
	sub.Close()
	if b.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers after close, got %d", b.SubscriberCount())
	}
}
