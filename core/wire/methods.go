// Copyright 2024 Fathom MQ Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wire

// Class identifies an AMQP method class (channel, exchange, queue, basic,
// tx). Method identifies a method within a class. Together they pick out
// one of the frame classes enumerated in the external interfaces section
// of the specification.
type Class uint16

// Method uniquely identifies a method within a Class.
type Method uint16

// Class ids, matching the AMQP 0-9-1 method registry.
const (
	ClassChannel  Class = 20
	ClassExchange Class = 40
	ClassQueue    Class = 50
	ClassBasic    Class = 60
	ClassTx       Class = 90
)

// Method ids, grouped by class.
const (
	ChannelOpen   Method = 10
	ChannelOpenOk Method = 11
	ChannelFlow   Method = 20
	ChannelFlowOk Method = 21
	ChannelClose  Method = 40
	ChannelCloseOk Method = 41

	ExchangeDeclare   Method = 10
	ExchangeDeclareOk Method = 11
	ExchangeBound     Method = 22
	ExchangeBoundOk   Method = 23

	QueueDeclare   Method = 10
	QueueDeclareOk Method = 11
	QueueBind      Method = 20
	QueueBindOk    Method = 21
	QueueUnbind    Method = 50
	QueueUnbindOk  Method = 51
	QueueDelete    Method = 40
	QueueDeleteOk  Method = 41

	BasicConsume   Method = 20
	BasicConsumeOk Method = 21
	BasicCancel    Method = 30
	BasicCancelOk  Method = 31
	BasicPublish   Method = 40
	BasicReturn    Method = 50
	BasicDeliver   Method = 60
	BasicAck       Method = 80
	BasicReject    Method = 90
	BasicRecoverAsync Method = 100
	BasicRecover   Method = 110
	BasicRecoverOk Method = 111

	TxSelect     Method = 10
	TxSelectOk   Method = 11
	TxCommit     Method = 20
	TxCommitOk   Method = 21
	TxRollback   Method = 30
	TxRollbackOk Method = 31
)

// QueueDeclareArgs is the argument payload of a queue.declare method.
type QueueDeclareArgs struct {
	Queue      string
	Passive    bool
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	NoWait     bool
	Arguments  map[string]interface{}
}

// QueueDeclareOkArgs is the argument payload of a queue.declare-ok reply.
type QueueDeclareOkArgs struct {
	Queue         string
	MessageCount  uint32
	ConsumerCount uint32
}

// QueueBindArgs is the argument payload of a queue.bind method.
type QueueBindArgs struct {
	Queue      string
	Exchange   string
	RoutingKey string
	NoWait     bool
	Arguments  map[string]interface{}
}

// QueueUnbindArgs is the argument payload of a queue.unbind method.
type QueueUnbindArgs struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Arguments  map[string]interface{}
}

// QueueDeleteArgs is the argument payload of a queue.delete method.
type QueueDeleteArgs struct {
	Queue    string
	IfUnused bool
	IfEmpty  bool
	NoWait   bool
}

// QueueDeleteOkArgs is the argument payload of a queue.delete-ok reply.
type QueueDeleteOkArgs struct {
	MessageCount uint32
}

// ExchangeDeclareArgs is the argument payload of an exchange.declare
// method.
type ExchangeDeclareArgs struct {
	Exchange string
	Type     string
	Passive  bool
	Durable  bool
	NoWait   bool
}

// ExchangeBoundArgs is the argument payload of the Qpid/JMS extension
// exchange.bound method, used to implement isQueueBound().
type ExchangeBoundArgs struct {
	Exchange   string
	Queue      string
	RoutingKey string
}

// ExchangeBoundOkArgs is the argument payload of an exchange.bound-ok
// reply.
type ExchangeBoundOkArgs struct {
	ReplyCode uint16
	ReplyText string
}

// BasicConsumeArgs is the argument payload of a basic.consume method.
type BasicConsumeArgs struct {
	Queue       string
	ConsumerTag string
	NoLocal     bool
	NoAck       bool
	Exclusive   bool
	NoWait      bool
	Arguments   map[string]interface{}
}

// BasicConsumeOkArgs is the argument payload of a basic.consume-ok reply.
type BasicConsumeOkArgs struct {
	ConsumerTag string
}

// BasicCancelArgs is the argument payload of a basic.cancel method, sent
// either by the client or the broker.
type BasicCancelArgs struct {
	ConsumerTag string
	NoWait      bool
}

// BasicPublishArgs is the argument payload of a basic.publish method.
type BasicPublishArgs struct {
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Immediate  bool
}

// BasicReturnArgs is the argument payload of a basic.return method (a
// bounce).
type BasicReturnArgs struct {
	ReplyCode  uint16
	ReplyText  string
	Exchange   string
	RoutingKey string
}

// BasicDeliverArgs is the argument payload of a basic.deliver method (a
// real delivery).
type BasicDeliverArgs struct {
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
}

// BasicAckArgs is the argument payload of a basic.ack method.
type BasicAckArgs struct {
	DeliveryTag uint64
	Multiple    bool
}

// BasicRejectArgs is the argument payload of a basic.reject method.
type BasicRejectArgs struct {
	DeliveryTag uint64
	Requeue     bool
}

// BasicRecoverArgs is the argument payload of a basic.recover method.
type BasicRecoverArgs struct {
	Requeue bool
}

// ChannelFlowArgs is the argument payload of a channel.flow method.
type ChannelFlowArgs struct {
	Active bool
}

// ChannelCloseArgs is the argument payload of a channel.close method.
type ChannelCloseArgs struct {
	ReplyCode uint16
	ReplyText string
}

// TxSelectArgs is the (empty) argument payload of a tx.select method.
type TxSelectArgs struct{}

// TxCommitArgs is the (empty) argument payload of a tx.commit method.
type TxCommitArgs struct{}

// TxRollbackArgs is the (empty) argument payload of a tx.rollback
// method.
type TxRollbackArgs struct{}
