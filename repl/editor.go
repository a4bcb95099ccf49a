package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

// ErrInterrupt is returned when the user presses Ctrl-C.
var ErrInterrupt = errors.New("interrupted")

// LineReader yields input lines with a cursor byte offset.
type LineReader interface {
	ReadLine(prompt string) (text string, cursor int, err error)
	Close()
}

// lineBuffer is an editable line with a byte-offset cursor that always sits
// on a rune boundary.
type lineBuffer struct {
	buf []byte
	pos int
}

func (l *lineBuffer) String() string { return string(l.buf) }

func (l *lineBuffer) set(s string) {
	l.buf = append(l.buf[:0], s...)
	l.pos = len(l.buf)
}

func (l *lineBuffer) insert(ch []byte) {
	l.buf = append(l.buf, ch...)
	copy(l.buf[l.pos+len(ch):], l.buf[l.pos:len(l.buf)-len(ch)])
	copy(l.buf[l.pos:], ch)
	l.pos += len(ch)
}

func (l *lineBuffer) backspace() {
	if l.pos == 0 {
		return
	}
	size := prevRuneLen(l.buf, l.pos)
	l.buf = append(l.buf[:l.pos-size], l.buf[l.pos:]...)
	l.pos -= size
}

func (l *lineBuffer) deleteForward() {
	if l.pos >= len(l.buf) {
		return
	}
	_, size := utf8.DecodeRune(l.buf[l.pos:])
	l.buf = append(l.buf[:l.pos], l.buf[l.pos+size:]...)
}

func (l *lineBuffer) left() {
	l.pos -= prevRuneLen(l.buf, l.pos)
}

func (l *lineBuffer) right() {
	if l.pos < len(l.buf) {
		_, size := utf8.DecodeRune(l.buf[l.pos:])
		l.pos += size
	}
}

func (l *lineBuffer) home() { l.pos = 0 }
func (l *lineBuffer) end()  { l.pos = len(l.buf) }

// killToStart deletes everything before the cursor (Ctrl-U).
func (l *lineBuffer) killToStart() {
	l.buf = append(l.buf[:0], l.buf[l.pos:]...)
	l.pos = 0
}

// killToEnd deletes everything after the cursor (Ctrl-K).
func (l *lineBuffer) killToEnd() {
	l.buf = l.buf[:l.pos]
}

// killWord deletes the word before the cursor and the spaces after it (Ctrl-W).
func (l *lineBuffer) killWord() {
	start := l.pos
	for start > 0 && l.buf[start-1] == ' ' {
		start--
	}
	for start > 0 && l.buf[start-1] != ' ' {
		start--
	}
	l.buf = append(l.buf[:start], l.buf[l.pos:]...)
	l.pos = start
}

// Editor is a minimal raw-mode line editor on /dev/tty, so it works even
// when stdout is redirected to a transcript file. Up and Down recall earlier lines.
type Editor struct {
	tty      *os.File
	in       *bufio.Reader
	oldState *term.State
	line     lineBuffer
	history  []string
}

// NewEditor opens /dev/tty and switches it to raw mode.
func NewEditor() (*Editor, error) {
	tty, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/tty: %w", err)
	}
	old, err := term.MakeRaw(int(tty.Fd()))
	if err != nil {
		tty.Close()
		return nil, fmt.Errorf("raw mode: %w", err)
	}
	return &Editor{tty: tty, in: bufio.NewReader(tty), oldState: old}, nil
}

// Close restores the terminal and closes the tty.
func (e *Editor) Close() {
	term.Restore(int(e.tty.Fd()), e.oldState)
	e.tty.Close()
}

// Tty is where prompts and summaries are drawn.
func (e *Editor) Tty() io.Writer { return &crlfWriter{w: e.tty} }

// ReadLine reads one line. It returns io.EOF on Ctrl-D with an empty line and
// ErrInterrupt on Ctrl-C.
func (e *Editor) ReadLine(prompt string) (string, int, error) {
	e.line.set("")
	recall := len(e.history)
	e.redraw(prompt)

	for {
		b, err := e.in.ReadByte()
		if err != nil {
			return "", 0, err
		}

		switch b {
		case 3: // Ctrl-C
			fmt.Fprint(e.tty, "\r\n")
			return "", 0, ErrInterrupt
		case 4: // Ctrl-D
			if len(e.line.buf) == 0 {
				fmt.Fprint(e.tty, "\r\n")
				return "", 0, io.EOF
			}
			e.line.deleteForward()
		case 13, 10:
			fmt.Fprint(e.tty, "\r\n")
			text := e.line.String()
			if text != "" && (len(e.history) == 0 || e.history[len(e.history)-1] != text) {
				e.history = append(e.history, text)
			}
			return text, e.line.pos, nil
		case 127, 8:
			e.line.backspace()
		case 1:
			e.line.home()
		case 5:
			e.line.end()
		case 11:
			e.line.killToEnd()
		case 21:
			e.line.killToStart()
		case 23:
			e.line.killWord()
		case 27:
			recall = e.escape(recall)
		default:
			if b >= 32 {
				ch := []byte{b}
				if b >= 0xC0 {
					rest := make([]byte, utf8RuneLen(b)-1)
					if _, err := io.ReadFull(e.in, rest); err != nil {
						return "", 0, err
					}
					ch = append(ch, rest...)
				}
				e.line.insert(ch)
			}
		}
		e.redraw(prompt)
	}
}

// escape handles a CSI sequence and returns the new history recall index.
func (e *Editor) escape(recall int) int {
	if b, err := e.in.ReadByte(); err != nil || b != '[' {
		return recall
	}
	b, err := e.in.ReadByte()
	if err != nil {
		return recall
	}
	switch b {
	case 'A':
		if recall > 0 {
			recall--
			e.line.set(e.history[recall])
		}
	case 'B':
		if recall < len(e.history) {
			recall++
			if recall == len(e.history) {
				e.line.set("")
			} else {
				e.line.set(e.history[recall])
			}
		}
	case 'D':
		e.line.left()
	case 'C':
		e.line.right()
	case 'H':
		e.line.home()
	case 'F':
		e.line.end()
	case '1', '3', '4':
		e.in.ReadByte() // '~'
		switch b {
		case '1':
			e.line.home()
		case '3':
			e.line.deleteForward()
		case '4':
			e.line.end()
		}
	}
	return recall
}

func (e *Editor) redraw(prompt string) {
	fmt.Fprintf(e.tty, "\r\x1b[K%s%s", prompt, e.line.String())
	if tail := utf8.RuneCount(e.line.buf[e.line.pos:]); tail > 0 {
		fmt.Fprintf(e.tty, "\x1b[%dD", tail)
	}
}

// CursorMarker marks the cursor in lines read by PlainReader.
const CursorMarker = "{|}"

// PlainReader reads newline-terminated lines, for scripted sessions without a
// terminal. The cursor sits at the first CursorMarker, or at the end of the line.
type PlainReader struct {
	scanner *bufio.Scanner
	echo    io.Writer
}

// NewPlainReader reads from r. Prompts are written to echo, which may be nil.
func NewPlainReader(r io.Reader, echo io.Writer) *PlainReader {
	if echo == nil {
		echo = io.Discard
	}
	return &PlainReader{scanner: bufio.NewScanner(r), echo: echo}
}

func (p *PlainReader) ReadLine(prompt string) (string, int, error) {
	fmt.Fprint(p.echo, prompt)
	if !p.scanner.Scan() {
		if err := p.scanner.Err(); err != nil {
			return "", 0, err
		}
		return "", 0, io.EOF
	}
	text, cursor := SplitCursor(p.scanner.Text())
	return text, cursor, nil
}

func (p *PlainReader) Close() {}

// SplitCursor removes the first CursorMarker from line and returns the
// remaining text with the marker's byte offset.
func SplitCursor(line string) (string, int) {
	before, after, found := strings.Cut(line, CursorMarker)
	if !found {
		return line, len(line)
	}
	return before + after, len(before)
}

// prevRuneLen returns the byte size of the rune ending at pos.
func prevRuneLen(buf []byte, pos int) int {
	if pos <= 0 {
		return 0
	}
	_, size := utf8.DecodeLastRune(buf[:pos])
	return size
}

// utf8RuneLen returns the byte length of a UTF-8 sequence from its leading byte.
func utf8RuneLen(lead byte) int {
	switch {
	case lead < 0xC0:
		return 1
	case lead < 0xE0:
		return 2
	case lead < 0xF0:
		return 3
	default:
		return 4
	}
}
