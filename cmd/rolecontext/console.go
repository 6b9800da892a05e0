package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ehr/rolecontext/internal/domain/actingcontext"
	"github.com/ehr/rolecontext/internal/domain/assignment"
)

const consoleHelp = `commands:
  show                 print the current context
  est <n|id>           choose an establishment
  role <n|role>        choose a role
  switch-est           pick another establishment
  switch-role [role]   pick another role at the current establishment
  perm <token>         check a permission token
  start                resolve again from scratch
  quit                 log out and exit`

// console drives one session from line-oriented input. Every published
// context is printed as it arrives, including those caused by assignment
// changes.
type console struct {
	s   *actingcontext.Session
	in  io.Reader
	out io.Writer
	mu  sync.Mutex
}

func newConsole(s *actingcontext.Session, in io.Reader, out io.Writer) *console {
	return &console{s: s, in: in, out: out}
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) show(snap *actingcontext.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	printSnapshot(c.out, snap)
}

// Run returns on quit, end of input or ctx cancellation.
func (c *console) Run(ctx context.Context) error {
	unsubscribe := c.s.Store().Subscribe(c.show)
	defer unsubscribe()

	if _, err := c.s.Start(ctx); err != nil {
		c.printf("error: %v\n", err)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := c.exec(ctx, line)
			if err != nil {
				c.printf("error: %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func (c *console) exec(ctx context.Context, line string) (quit bool, err error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false, nil
	}
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}
	cur := c.s.Store().Current()

	switch fields[0] {
	case "help", "?":
		c.printf("%s\n", consoleHelp)
	case "show":
		c.show(cur)
	case "start":
		_, err = c.s.Start(ctx)
	case "est":
		var id uuid.UUID
		if id, err = pickEstablishment(cur, arg); err == nil {
			_, err = c.s.ChooseEstablishment(ctx, id)
		}
	case "role":
		var role assignment.Role
		if role, err = pickRole(cur, arg); err == nil {
			_, err = c.s.ChooseRole(ctx, role)
		}
	case "switch-est":
		_, err = c.s.SwitchEstablishment(ctx)
	case "switch-role":
		var role assignment.Role
		if arg != "" {
			if role, err = pickRole(cur, arg); err != nil {
				return false, err
			}
		}
		_, err = c.s.SwitchRole(ctx, role)
	case "perm":
		if arg == "" {
			return false, errors.New("usage: perm <token>")
		}
		c.printf("%s: %t\n", arg, c.s.Store().HasPermissionToken(arg))
	case "quit", "exit", "logout":
		return true, c.s.Logout(ctx)
	default:
		return false, fmt.Errorf("unknown command %q (try help)", fields[0])
	}
	if errors.Is(err, actingcontext.ErrPreferenceNotPersisted) {
		c.printf("warning: %v\n", err)
		err = nil
	}
	return false, err
}

// pickEstablishment accepts a 1-based index into the current prompt or an
// establishment id.
func pickEstablishment(snap *actingcontext.Snapshot, arg string) (uuid.UUID, error) {
	if arg == "" {
		return uuid.Nil, errors.New("usage: est <n|id>")
	}
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(snap.Establishments) {
			return uuid.Nil, fmt.Errorf("no establishment option %d", n)
		}
		return snap.Establishments[n-1].ID, nil
	}
	id, err := uuid.Parse(arg)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid establishment %q", arg)
	}
	return id, nil
}

// pickRole accepts a 1-based index into the current prompt or a role token.
func pickRole(snap *actingcontext.Snapshot, arg string) (assignment.Role, error) {
	if arg == "" {
		return "", errors.New("usage: role <n|role>")
	}
	if n, err := strconv.Atoi(arg); err == nil {
		if n < 1 || n > len(snap.Roles) {
			return "", fmt.Errorf("no role option %d", n)
		}
		return snap.Roles[n-1].Role, nil
	}
	role, ok := assignment.ParseRole(arg)
	if !ok {
		return "", fmt.Errorf("unknown role %q", arg)
	}
	return role, nil
}
