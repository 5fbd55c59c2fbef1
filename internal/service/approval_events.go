package service

import (
	"strings"
	"sync"
)

// ApprovalEventKind 区分审核事件类型。
type ApprovalEventKind string

const (
	ApprovalEventApprove ApprovalEventKind = "approve"
	ApprovalEventReject  ApprovalEventKind = "reject"
	ApprovalEventText    ApprovalEventKind = "text"
)

// ApprovalEvent 是来自审核渠道的入站事件。按钮事件携带请求 token，
// 文本事件在分发前由通知器按回复的提示消息补上 token。
type ApprovalEvent struct {
	Kind             ApprovalEventKind
	Token            string
	Text             string
	CallbackID       string
	ReplyToMessageID int
}

// ParseCallbackData 解析 "approve:<token>" / "reject:<token>" 形式的按钮数据。
func ParseCallbackData(data string) (ApprovalEvent, bool) {
	action, token, found := strings.Cut(strings.TrimSpace(data), ":")
	if !found || token == "" {
		return ApprovalEvent{}, false
	}
	switch ApprovalEventKind(action) {
	case ApprovalEventApprove, ApprovalEventReject:
		return ApprovalEvent{Kind: ApprovalEventKind(action), Token: token}, true
	default:
		return ApprovalEvent{}, false
	}
}

// CallbackData 生成按钮携带的数据。
func CallbackData(kind ApprovalEventKind, token string) string {
	return string(kind) + ":" + token
}

// ApprovalEventHub 将轮询或 webhook 收到的事件分发给等待中的审核请求。
type ApprovalEventHub struct {
	mu          sync.Mutex
	nextID      int
	subscribers map[int]chan ApprovalEvent
}

// NewApprovalEventHub creates an empty hub.
func NewApprovalEventHub() *ApprovalEventHub {
	return &ApprovalEventHub{subscribers: make(map[int]chan ApprovalEvent)}
}

// Subscribe 注册订阅，返回的取消函数可重复调用。
func (h *ApprovalEventHub) Subscribe() (<-chan ApprovalEvent, func()) {
	ch := make(chan ApprovalEvent, 16)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subscribers[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, id)
			h.mu.Unlock()
		})
	}
}

// Publish 非阻塞地投递事件，返回成功送达的订阅者数量。
func (h *ApprovalEventHub) Publish(event ApprovalEvent) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	delivered := 0
	for _, ch := range h.subscribers {
		select {
		case ch <- event:
			delivered++
		default:
		}
	}
	return delivered
}

// Subscribers 返回当前订阅者数量。
func (h *ApprovalEventHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}
