package operserv

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dalnet/ngservices/internal/xline"
)

var akillHelp = []string{
	"Syntax: AKILL ADD [+expiry] mask reason",
	"        AKILL DEL {mask | entry-num | list | id}",
	"        AKILL LIST [mask | list | id]",
	"        AKILL VIEW [mask | list | id]",
	"        AKILL CLEAR",
	" ",
	"AKILL ADD adds mask to the AKILL list for the given reason, which",
	"must be given. Masks are nick!user@host#real name; user@host is",
	"enough. If a real name is given the reason must start with a :.",
	"The expiry is a number followed by d (days), h (hours) or m",
	"(minutes). A number alone is counted in days and +0 never expires.",
	"Masks enclosed in // are regular expressions.",
	" ",
	"AKILL DEL removes the mask, the id or the numbered entries, for",
	"example AKILL DEL 2-5,7-9.",
	"AKILL LIST shows the entries matching a mask or an entry list.",
	"AKILL VIEW also shows who added each entry, when, and when it expires.",
	"AKILL CLEAR removes every entry.",
}

func (s *Service) cmdAkill(r *request) {
	s.logCommand(r, r.text)

	switch strings.ToUpper(r.arg(1)) {
	case "ADD":
		s.akillAdd(r)
	case "DEL":
		s.akillDel(r)
	case "LIST":
		s.akillList(r, false)
	case "VIEW":
		s.akillList(r, true)
	case "CLEAR":
		n := s.eng.Bans.Clear(r.from.Nick)
		s.reply(r, "The AKILL list has been cleared.")
		s.log.Info("akill list cleared by operator", "oper", r.from.Nick, "count", n)
	default:
		s.syntax(r, "")
	}
}

func (s *Service) syntax(r *request, sub string) {
	if sub == "" {
		s.reply(r, "Syntax: AKILL {ADD | DEL | LIST | VIEW | CLEAR} [params]")
	} else {
		for _, line := range akillHelp {
			if strings.Contains(line, "AKILL "+sub) {
				s.reply(r, strings.Replace(line, "        ", "Syntax: ", 1))
				break
			}
		}
	}
	s.reply(r, fmt.Sprintf("\"/msg %s HELP AKILL\" for more information.", r.to.Nick))
}

// parseAdd splits "[+expiry] mask reason". A mask with a real name part may
// contain spaces, so its reason is introduced by " :".
func parseAdd(text string) (expiry, mask, reason string, ok bool) {
	mask, rest, _ := strings.Cut(strings.TrimSpace(text), " ")
	if strings.HasPrefix(mask, "+") {
		expiry = mask
		mask, rest, _ = strings.Cut(strings.TrimLeft(rest, " "), " ")
	}
	rest = strings.TrimLeft(rest, " ")
	if mask == "" || rest == "" {
		return "", "", "", false
	}

	if !strings.Contains(mask, "#") {
		return expiry, mask, rest, true
	}
	co := 0
	if rest[0] != ':' {
		co = strings.LastIndex(rest, " :")
		if co < 0 {
			return "", "", "", false
		}
		co++
	}
	reason = rest[co+1:]
	mask = strings.TrimSpace(mask + " " + rest[:co])
	return expiry, mask, reason, true
}

func (s *Service) akillAdd(r *request) {
	expiry, mask, reason, ok := parseAdd(r.rest(2))
	if !ok {
		s.syntax(r, "ADD")
		return
	}

	res, err := s.eng.Bans.Add(xline.AddRequest{Mask: mask, Expiry: expiry, Reason: reason, By: r.from.Nick})
	var merr *xline.MatcherError
	switch {
	case err == nil:
	case errors.Is(err, xline.ErrBadDuration), errors.Is(err, xline.ErrExpiryTooShort):
		s.reply(r, "Invalid expiry time.")
		return
	case errors.Is(err, xline.ErrEmptyReason):
		s.syntax(r, "ADD")
		return
	case errors.Is(err, xline.ErrMaskTooWide), errors.Is(err, xline.ErrTooManyAffected):
		s.reply(r, fmt.Sprintf("\x02%s\x02 coverage is too wide; Please use a more specific mask.", mask))
		return
	case errors.Is(err, xline.ErrNoRegexEngine):
		s.reply(r, "Regex is disabled.")
		return
	case errors.As(err, &merr):
		s.reply(r, merr.Error())
		return
	case errors.Is(err, xline.ErrAlreadyPresent):
		s.reply(r, fmt.Sprintf("\x02%s\x02 already exists on the AKILL list.", mask))
		return
	case errors.Is(err, xline.ErrCoveredBy):
		s.reply(r, fmt.Sprintf("\x02%s\x02 is already covered: %v.", mask, err))
		return
	default:
		s.reply(r, fmt.Sprintf("Could not add \x02%s\x02: %v.", mask, err))
		return
	}

	if res.Updated {
		s.reply(r, fmt.Sprintf("Expiry of \x02%s\x02 updated.", res.Entry.Mask))
		return
	}
	for _, x := range res.Superseded {
		s.reply(r, fmt.Sprintf("\x02%s\x02 deleted from the AKILL list, it is covered by \x02%s\x02.", x.Mask, res.Entry.Mask))
	}
	s.reply(r, fmt.Sprintf("\x02%s\x02 added to the AKILL list.", res.Entry.Mask))
	s.logCommand(r, fmt.Sprintf("on %s (%s) %s [affects %d user(s) (%.2f%%)]",
		res.Entry.Mask, res.Entry.Reason, expiresIn(res.Entry.Expires, s.eng.Now()), res.Affected, res.Percent))
}

func (s *Service) akillDel(r *request) {
	selector := r.arg(2)
	if selector == "" {
		s.syntax(r, "DEL")
		return
	}

	res, err := s.eng.Bans.Del(selector, r.from.Nick)
	switch {
	case errors.Is(err, xline.ErrListEmpty):
		s.reply(r, "AKILL list is empty.")
		return
	case errors.Is(err, xline.ErrNotFound):
		s.reply(r, fmt.Sprintf("\x02%s\x02 not found on the AKILL list.", selector))
		return
	case err != nil:
		s.reply(r, fmt.Sprintf("Invalid entry list \x02%s\x02.", selector))
		return
	}

	if res.ByNumber {
		s.reply(r, res.Summary())
		return
	}
	for _, x := range res.Deleted {
		s.reply(r, fmt.Sprintf("\x02%s\x02 deleted from the AKILL list.", x.Mask))
	}
}

// akillList shows entries in the narrow (number, mask, reason) or wide
// projection
func (s *Service) akillList(r *request, wide bool) {
	listing, err := s.eng.Bans.List(r.arg(2))
	switch {
	case errors.Is(err, xline.ErrListEmpty):
		s.reply(r, "AKILL list is empty.")
		return
	case err != nil:
		s.reply(r, fmt.Sprintf("Invalid entry list \x02%s\x02.", r.arg(2)))
		return
	case len(listing) == 0:
		s.reply(r, "No matching entries on the AKILL list.")
		return
	}

	s.reply(r, "Current akill list:")
	for _, line := range formatListing(listing, wide, s.eng.Now()) {
		s.reply(r, line)
	}
	s.reply(r, "End of \x02akill\x02 list.")
}

func formatListing(listing []xline.Listing, wide bool, now time.Time) []string {
	var buf bytes.Buffer
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	if wide {
		fmt.Fprintln(w, "Number\tMask\tCreator\tCreated\tExpires\tReason")
	} else {
		fmt.Fprintln(w, "Number\tMask\tReason")
	}
	for _, l := range listing {
		x := l.Entry
		if wide {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", strconv.Itoa(l.Number), x.Mask, x.By,
				x.Created.UTC().Format("Jan 02 15:04:05 2006 MST"), expiresIn(x.Expires, now), x.Reason)
		} else {
			fmt.Fprintf(w, "%s\t%s\t%s\n", strconv.Itoa(l.Number), x.Mask, x.Reason)
		}
	}
	w.Flush()
	return strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
}

// expiresIn phrases the time left on a ban
func expiresIn(expires, now time.Time) string {
	if expires.IsZero() {
		return "does not expire"
	}
	left := expires.Sub(now)
	if left < time.Minute {
		return "expires momentarily"
	}
	return "expires in " + xline.FormatDuration(left)
}
