package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileEventProducer_Publish(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var ev FileStatusEvent
		if err := json.Unmarshal(val, &ev); err != nil {
			return err
		}
		if ev.FileID != 7 || ev.To != "PARSING" {
			return errors.New("unexpected event")
		}
		return nil
	})

	p := NewFileEventProducerWith(sp, "file-events", nil)
	err := p.PublishFileStatus(context.Background(), FileStatusEvent{FileID: 7, From: "UPLOADED", To: "PARSING"})
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestFileEventProducer_PublishError(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewFileEventProducerWith(sp, "file-events", nil)
	err := p.PublishFileStatus(context.Background(), FileStatusEvent{FileID: 1, To: "PARSE_FAILED"})
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, p.Close())
}

func TestFileEventProducer_Nil(t *testing.T) {
	var p *FileEventProducer
	assert.Error(t, p.PublishFileStatus(context.Background(), FileStatusEvent{}))
	assert.NoError(t, p.Close())
}

func TestParseCallbackMessage(t *testing.T) {
	msg, err := ParseCallbackMessage([]byte(`{"taskId":"t1","success":true,"knowledgeUrl":"http://x"}`))
	require.NoError(t, err)
	assert.Equal(t, "t1", msg.TaskID)
	assert.True(t, msg.Success)

	_, err = ParseCallbackMessage([]byte(`{"success":true}`))
	assert.Error(t, err)

	_, err = ParseCallbackMessage([]byte(`not json`))
	assert.Error(t, err)
}

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	ch chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

func TestCallbackGroupHandler_ConsumeClaim(t *testing.T) {
	var handled []string
	h := &callbackGroupHandler{handler: func(ctx context.Context, msg CallbackMessage) error {
		handled = append(handled, msg.TaskID)
		if msg.TaskID == "retry-me" {
			return errors.New("db down")
		}
		return nil
	}}

	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 3)}
	claim.ch <- &sarama.ConsumerMessage{Topic: "cb", Offset: 1, Value: []byte(`{"taskId":"ok","success":true}`)}
	claim.ch <- &sarama.ConsumerMessage{Topic: "cb", Offset: 2, Value: []byte(`garbage`)}
	claim.ch <- &sarama.ConsumerMessage{Topic: "cb", Offset: 3, Value: []byte(`{"taskId":"retry-me"}`)}
	close(claim.ch)

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, h.ConsumeClaim(session, claim))

	assert.Equal(t, []string{"ok", "retry-me"}, handled)
	// 格式错误的提交，处理失败的不提交
	assert.Equal(t, []int64{1, 2}, session.marked)
}
