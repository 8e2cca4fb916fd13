package maildir

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/brandon/mailsync/pkg/types"
)

const keywordsFile = "dovecot-keywords"

// maxKeywords is the number of lowercase info letters available for
// custom flags.
const maxKeywords = 26

var systemLetters = map[types.Flag]byte{
	types.FlagDraft:    'D',
	types.FlagFlagged:  'F',
	types.FlagAnswered: 'R',
	types.FlagSeen:     'S',
	types.FlagDeleted:  'T',
}

// keywords maps custom flags to the letters a..z of one folder.
type keywords struct {
	names []types.Flag
}

func loadKeywords(dir string) (*keywords, error) {
	kw := &keywords{}
	f, err := os.Open(filepath.Join(dir, keywordsFile))
	if os.IsNotExist(err) {
		return kw, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open keywords: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		idx, name, ok := strings.Cut(strings.TrimSpace(scanner.Text()), " ")
		if !ok {
			continue
		}
		n, err := strconv.Atoi(idx)
		if err != nil || n < 0 || n >= maxKeywords {
			continue
		}
		for len(kw.names) <= n {
			kw.names = append(kw.names, "")
		}
		kw.names[n] = types.Flag(name)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read keywords: %w", err)
	}
	return kw, nil
}

func (kw *keywords) save(dir string) error {
	var b strings.Builder
	for i, name := range kw.names {
		if name == "" {
			continue
		}
		fmt.Fprintf(&b, "%d %s\n", i, name)
	}
	tmp := filepath.Join(dir, keywordsFile+".tmp")
	if err := os.WriteFile(tmp, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("failed to write keywords: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, keywordsFile))
}

// letter returns the letter of flag, registering it when add is set.
// The second result reports whether the table changed.
func (kw *keywords) letter(flag types.Flag, add bool) (byte, bool, error) {
	for i, name := range kw.names {
		if name == flag {
			return byte('a' + i), false, nil
		}
	}
	if !add {
		return 0, false, nil
	}
	for i, name := range kw.names {
		if name == "" {
			kw.names[i] = flag
			return byte('a' + i), true, nil
		}
	}
	if len(kw.names) >= maxKeywords {
		return 0, false, fmt.Errorf("no keyword letter left for %s", flag)
	}
	kw.names = append(kw.names, flag)
	return byte('a' + len(kw.names) - 1), true, nil
}

func (kw *keywords) flag(letter byte) types.Flag {
	i := int(letter - 'a')
	if i < 0 || i >= len(kw.names) {
		return ""
	}
	return kw.names[i]
}

// encodeInfo renders flags as the sorted letters after "2,".
func encodeInfo(flags types.Flags, kw *keywords) (string, bool, error) {
	var letters []byte
	changed := false
	for _, f := range flags {
		if l, ok := systemLetters[f]; ok {
			letters = append(letters, l)
			continue
		}
		l, added, err := kw.letter(f, true)
		if err != nil {
			return "", changed, err
		}
		changed = changed || added
		letters = append(letters, l)
	}
	sort.Slice(letters, func(i, j int) bool { return letters[i] < letters[j] })
	return string(letters), changed, nil
}

// keepUnknown adds the letters of old that no flag maps to, such as P
// (passed), to info so rewriting a name does not drop them.
func keepUnknown(info, old string) string {
	letters := []byte(info)
	for i := 0; i < len(old); i++ {
		c := old[i]
		if c < 'A' || c > 'Z' || strings.IndexByte(info, c) >= 0 || isSystemLetter(c) {
			continue
		}
		letters = append(letters, c)
	}
	sort.Slice(letters, func(i, j int) bool { return letters[i] < letters[j] })
	return string(letters)
}

func isSystemLetter(c byte) bool {
	for _, l := range systemLetters {
		if l == c {
			return true
		}
	}
	return false
}

// decodeInfo parses the letters after "2,". Unknown letters such as P
// (passed) are ignored.
func decodeInfo(info string, kw *keywords) types.Flags {
	flags := make([]types.Flag, 0, len(info))
	for i := 0; i < len(info); i++ {
		c := info[i]
		switch {
		case c >= 'a' && c <= 'z':
			if f := kw.flag(c); f != "" {
				flags = append(flags, f)
			}
		default:
			for f, l := range systemLetters {
				if l == c {
					flags = append(flags, f)
				}
			}
		}
	}
	return types.NewFlags(flags...)
}
