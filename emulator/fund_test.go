package emulator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/bartossh/Fiduciary/wallet"
)

type nopLogger struct{}

func (nopLogger) Debug(string) {}
func (nopLogger) Info(string)  {}
func (nopLogger) Warn(string)  {}
func (nopLogger) Error(string) {}
func (nopLogger) Fatal(string) {}

func TestFundRemote(t *testing.T) {
	node, err := New(Config{}, wallet.NewVerifier())
	assert.Nil(t, err)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	assert.Nil(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go Serve(ctx, ln, node, nopLogger{})

	url := "http://" + ln.Addr().String()
	assert.Eventually(t, func() bool {
		b, err := FundRemote(url, "receiver", "100")
		return err == nil && b.Balance != ""
	}, time.Second*2, time.Millisecond*20)

	b, err := FundRemote(url, "receiver", "50")
	assert.Nil(t, err)
	assert.Equal(t, "receiver", b.Address)

	balance, err := node.GetBalance(ctx, "receiver")
	assert.Nil(t, err)
	assert.Equal(t, balance.String(), b.Balance)

	_, err = FundRemote(url, "receiver", "-1")
	assert.ErrorIs(t, err, ErrFundRejected)
}
