package styx

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/coreos/go-iptables/iptables"
)

// fakeTables is an in-memory iptables with go-iptables semantics for the
// calls the manager makes.
type fakeTables struct {
	mu     sync.Mutex
	chains map[string][]string
	fail   map[string]error
	calls  []string
	// packets is the hit counter per rule, keyed by chain and rule text.
	packets map[string]uint64
}

func newFakeTables(builtin ...string) *fakeTables {
	f := &fakeTables{chains: map[string][]string{}, fail: map[string]error{}, packets: map[string]uint64{}}
	for _, c := range builtin {
		f.chains[c] = nil
	}
	return f
}

func key(table, chain string) string { return table + "/" + chain }

func (f *fakeTables) check(op, chain string) error {
	f.calls = append(f.calls, op+" "+chain)
	if err, ok := f.fail[op+" "+chain]; ok {
		return err
	}
	return nil
}

func (f *fakeTables) Exists(table, chain string, spec ...string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rules, ok := f.chains[key(table, chain)]
	if !ok {
		return false, fmt.Errorf("chain %s does not exist", chain)
	}
	return slices.Contains(rules, strings.Join(spec, " ")), nil
}

func (f *fakeTables) Insert(table, chain string, pos int, spec ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("insert", chain); err != nil {
		return err
	}
	k := key(table, chain)
	rules, ok := f.chains[k]
	if !ok {
		return fmt.Errorf("chain %s does not exist", chain)
	}
	f.chains[k] = slices.Insert(rules, pos-1, strings.Join(spec, " "))
	return nil
}

func (f *fakeTables) Append(table, chain string, spec ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("append", chain); err != nil {
		return err
	}
	k := key(table, chain)
	if _, ok := f.chains[k]; !ok {
		return fmt.Errorf("chain %s does not exist", chain)
	}
	f.chains[k] = append(f.chains[k], strings.Join(spec, " "))
	return nil
}

func (f *fakeTables) Delete(table, chain string, spec ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("delete", chain); err != nil {
		return err
	}
	k := key(table, chain)
	want := strings.Join(spec, " ")
	i := slices.Index(f.chains[k], want)
	if i < 0 {
		return fmt.Errorf("rule %q not in %s", want, chain)
	}
	f.chains[k] = slices.Delete(f.chains[k], i, i+1)
	return nil
}

func (f *fakeTables) List(table, chain string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rules, ok := f.chains[key(table, chain)]
	if !ok {
		return nil, fmt.Errorf("chain %s does not exist", chain)
	}
	out := []string{"-N " + chain}
	for _, r := range rules {
		out = append(out, "-A "+chain+" "+r)
	}
	return out, nil
}

func (f *fakeTables) ListChains(table string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for k := range f.chains {
		if t, c, _ := strings.Cut(k, "/"); t == table {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeTables) ChainExists(table, chain string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.chains[key(table, chain)]
	return ok, nil
}

func (f *fakeTables) NewChain(table, chain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("newchain", chain); err != nil {
		return err
	}
	if _, ok := f.chains[key(table, chain)]; ok {
		return fmt.Errorf("chain %s already exists", chain)
	}
	f.chains[key(table, chain)] = nil
	return nil
}

func (f *fakeTables) ClearChain(table, chain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chains[key(table, chain)] = nil
	return nil
}

func (f *fakeTables) DeleteChain(table, chain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(table, chain)
	if len(f.chains[k]) > 0 {
		return fmt.Errorf("chain %s is not empty", chain)
	}
	delete(f.chains, k)
	return nil
}

func (f *fakeTables) rules(chain string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.chains[key(filterTable, chain)])
}

func (f *fakeTables) hasChain(chain string) bool {
	ok, _ := f.ChainExists(filterTable, chain)
	return ok
}

func (f *fakeTables) StructuredStats(table, chain string) ([]iptables.Stat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rules, ok := f.chains[key(table, chain)]
	if !ok {
		return nil, fmt.Errorf("chain %s does not exist", chain)
	}
	out := make([]iptables.Stat, 0, len(rules))
	for _, r := range rules {
		st := iptables.Stat{Packets: f.packets[chain+" "+r]}
		fields := strings.Fields(r)
		for i := 0; i+1 < len(fields); i++ {
			switch fields[i] {
			case "-j":
				st.Target = fields[i+1]
			case "--dport":
				st.Options = "dpt:" + fields[i+1]
			}
		}
		out = append(out, st)
	}
	return out, nil
}
