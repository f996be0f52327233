package emailsvc

import (
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/uwepo/core"
)

// consoleService logs emails instead of sending them; the development and
// test default.
type consoleService struct {
	conf          *core.Config
	logger        core.Logger
	disableOutput bool

	mu   sync.Mutex
	sent []core.EmailMessage
}

var _ core.EmailService = (*consoleService)(nil)

func NewConsoleService(conf *core.Config, logger core.Logger) *consoleService {
	return &consoleService{conf: conf, logger: logger}
}

func (svc *consoleService) SendMessages(messages ...*core.EmailMessage) {
	for _, msg := range messages {
		go svc.sendMessage(msg)
	}
}

func (svc *consoleService) sendMessage(msg *core.EmailMessage) {
	if err := msg.Render(svc.conf); err != nil {
		svc.logger.Error(fmt.Sprintf("rendering email: %v", err), errors.Wrap(err, "rendering email"))
		return
	}
	if !msg.HasRecipients() || !msg.HasContent() {
		return
	}
	svc.send(*msg)
	svc.mu.Lock()
	svc.sent = append(svc.sent, *msg)
	svc.mu.Unlock()
}

func (svc *consoleService) send(msg core.EmailMessage) {
	if svc.disableOutput {
		return
	}
	body := new(strings.Builder)
	from := mail.Address{Name: svc.conf.DefaultFromName, Address: svc.conf.DefaultFromAddr}

	_, _ = fmt.Fprintf(body, "From: %s\r\n", from.String())
	_, _ = fmt.Fprintf(body, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	_, _ = fmt.Fprintf(body, "Subject: [%s] %s\r\n", svc.conf.AppName, msg.Subject)
	_, _ = fmt.Fprintf(body, "To: %s\r\n\r\n", joinAddresses(msg.To))
	_, _ = fmt.Fprintf(body, "%s\r\n", msg.TextContent)

	svc.logger.Info(body.String())
}

// SentMessages returns a copy of everything sent so far. Test helper.
func (svc *consoleService) SentMessages() []core.EmailMessage {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return append([]core.EmailMessage(nil), svc.sent...)
}

func joinAddresses(addrs []mail.Address) string {
	toJoin := make([]string, 0, len(addrs))
	for _, a := range addrs {
		toJoin = append(toJoin, a.String())
	}
	return strings.Join(toJoin, ", ")
}

// NewConsoleServiceMock sends synchronously with output disabled, so tests
// can assert on SentMessages without sleeping.
func NewConsoleServiceMock(conf *core.Config, logger core.Logger) *consoleServiceMock {
	return &consoleServiceMock{consoleService{conf: conf, logger: logger, disableOutput: true}}
}

type consoleServiceMock struct {
	consoleService
}

func (svc *consoleServiceMock) SendMessages(messages ...*core.EmailMessage) {
	for _, msg := range messages {
		svc.sendMessage(msg)
	}
}
