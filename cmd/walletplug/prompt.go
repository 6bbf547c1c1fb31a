package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/goatkit/walletplug/internal/plugin/services"
	pkgplugin "github.com/goatkit/walletplug/pkg/plugin"
)

// promptPresenter asks on the terminal for a signature produced by the user's
// wallet. An empty answer rejects the request.
type promptPresenter struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

func newPromptPresenter(in io.Reader, out io.Writer) *promptPresenter {
	return &promptPresenter{in: bufio.NewReader(in), out: out}
}

type lineResult struct {
	line string
	err  error
}

func (p *promptPresenter) PresentSignRequest(ctx context.Context, req services.SignRequest) (pkgplugin.SignedMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "\n%s plugin %s asks to sign with wallet %s (%s %s):\n  %s\nSignature (empty to reject): ",
		color.YellowString("!"), req.Plugin, req.Wallet.ID, req.Wallet.Coin, req.Wallet.Address, req.Message)

	lines := make(chan lineResult, 1)
	go func() {
		line, err := p.in.ReadString('\n')
		lines <- lineResult{strings.TrimSpace(line), err}
	}()

	select {
	case <-ctx.Done():
		return pkgplugin.SignedMessage{}, ctx.Err()
	case res := <-lines:
		if res.line == "" {
			if res.err != nil && res.err != io.EOF {
				return pkgplugin.SignedMessage{}, res.err
			}
			return pkgplugin.SignedMessage{}, fmt.Errorf("plugin %q: %w", req.Plugin, pkgplugin.ErrSignRejected)
		}
		return pkgplugin.SignedMessage{
			WalletID:  req.Wallet.ID,
			Address:   req.Wallet.Address,
			Message:   req.Message,
			Signature: res.line,
		}, nil
	}
}
