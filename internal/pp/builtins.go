package pp

import (
	"sort"
	"strconv"
	"strings"
)

// builtins maps each built-in function name to its implementation.  Dispatch
// order for $[head args] is user-defined functions first, then this table,
// then map variables.
var builtins map[string]func(*Scope, string) string

func init() {
	builtins = map[string]func(*Scope, string) string{
		// Path and filesystem functions.
		"isfullpath":    (*Scope).expandIsFullpath,
		"osfilename":    (*Scope).expandOSFilename,
		"unixfilename":  (*Scope).expandUnixFilename,
		"unixshortname": (*Scope).expandUnixShortname,
		// The cygpath names are retained as aliases for historical reasons.
		"cygpath_w":   (*Scope).expandOSFilename,
		"cygpath_p":   (*Scope).expandUnixFilename,
		"wildcard":    (*Scope).expandWildcard,
		"isdir":       (*Scope).expandIsDir,
		"isfile":      (*Scope).expandIsFile,
		"libtest":     (*Scope).expandLibtest,
		"bintest":     (*Scope).expandBintest,
		"shell":       (*Scope).expandShell,
		"standardize": (*Scope).expandStandardize,
		"canonical":   (*Scope).expandCanonical,
		"dir":         (*Scope).expandDir,
		"notdir":      (*Scope).expandNotdir,
		"suffix":      (*Scope).expandSuffix,
		"basename":    (*Scope).expandBasename,
		"makeguid":    (*Scope).expandMakeguid,

		// String and word-list functions.
		"length":     (*Scope).expandLength,
		"substr":     (*Scope).expandSubstr,
		"findstring": (*Scope).expandFindstring,
		"subst":      (*Scope).expandSubst,
		"wordsubst":  (*Scope).expandWordsubst,
		"patsubst":   (*Scope).expandPatsubst,
		"patsubstw":  (*Scope).expandPatsubstw,
		"filter":     (*Scope).expandFilter,
		"filter_out": (*Scope).expandFilterOut,
		"filter-out": (*Scope).expandFilterOut,
		"join":       (*Scope).expandJoin,
		"sort":       (*Scope).expandSort,
		"unique":     (*Scope).expandUnique,
		"word":       (*Scope).expandWord,
		"wordlist":   (*Scope).expandWordlist,
		"words":      (*Scope).expandWords,
		"firstword":  (*Scope).expandFirstword,
		"upcase":     (*Scope).expandUpcase,
		"downcase":   (*Scope).expandDowncase,
		"matrix":     (*Scope).expandMatrix,

		// Logic and numerics.
		"if":      (*Scope).expandIf,
		"eq":      (*Scope).expandEq,
		"ne":      (*Scope).expandNe,
		"not":     (*Scope).expandNot,
		"or":      (*Scope).expandOr,
		"and":     (*Scope).expandAnd,
		"defined": (*Scope).expandDefined,
		"=":       (*Scope).expandEqn,
		"==":      (*Scope).expandEqn,
		"!=":      (*Scope).expandNen,
		"<":       (*Scope).expandLtn,
		"<=":      (*Scope).expandLen,
		">":       (*Scope).expandGtn,
		">=":      (*Scope).expandGen,
		"+":       (*Scope).expandPlus,
		"-":       (*Scope).expandMinus,
		"*":       (*Scope).expandTimes,
		"/":       (*Scope).expandDivide,
		"%":       (*Scope).expandModulo,

		// Scope and graph functions.
		"closure":      (*Scope).expandClosure,
		"unmapped":     (*Scope).expandUnmapped,
		"forscopes":    (*Scope).expandForscopes,
		"foreach":      (*Scope).expandForeach,
		"dependencies": (*Scope).expandDependencies,

		// Misc.
		"cdefine": (*Scope).expandCdefine,
	}
}

// atoi parses the longest leading integer of str, silently treating
// non-numeric input as zero.
func atoi(str string) int {
	str = trimBlanks(str)
	end := 0
	if end < len(str) && (str[end] == '-' || str[end] == '+') {
		end++
	}
	for end < len(str) && str[end] >= '0' && str[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(str[:end])
	if err != nil {
		return 0
	}
	return n
}

// tokenizeNumericPair splits params into exactly two comma-separated
// numbers for the comparison functions.  Non-numeric words warn and count
// as their longest leading number, or zero if there is none.
func (s *Scope) tokenizeNumericPair(params string) (a, b float64, ok bool) {
	words := s.tokenizeParams(params, true)
	if len(words) != 2 {
		s.ctx.Errorf("%d parameters supplied when two were expected:\n%s", len(words), params)
		return 0, 0, false
	}
	results := [2]float64{}
	for i := 0; i < 2; i++ {
		value, err := strconv.ParseFloat(trimBlanks(words[i]), 64)
		if err != nil {
			s.ctx.Warnf("Warning: %s is not a number.", words[i])
			value = leadingFloat(words[i])
		}
		results[i] = value
	}
	return results[0], results[1], true
}

func leadingFloat(str string) float64 {
	str = trimBlanks(str)
	for end := len(str); end > 0; end-- {
		if value, err := strconv.ParseFloat(str[:end], 64); err == nil {
			return value
		}
	}
	return 0
}

// tokenizeInts splits params into comma-separated integers for the
// arithmetic functions.  Non-integer words warn and count as their leading
// integer, or zero if there is none.
func (s *Scope) tokenizeInts(params string) []int {
	words := s.tokenizeParams(params, true)
	results := make([]int, 0, len(words))
	for _, word := range words {
		trimmed := trimBlanks(word)
		value, err := strconv.ParseInt(trimmed, 0, 64)
		if err != nil {
			s.ctx.Warnf("Warning: %s is not an integer.", trimmed)
			value = int64(atoi(trimmed))
		}
		results = append(results, int(value))
	}
	return results
}

func (s *Scope) expandLength(params string) string {
	return strconv.Itoa(len(trimBlanks(s.ExpandString(params))))
}

// expandSubstr implements $[substr S,E,string]: the 1-based inclusive
// substring from S to E.  Reversed bounds are swapped, per GNU make.
func (s *Scope) expandSubstr(params string) string {
	tokens := s.tokenizeParams(params, true)
	if len(tokens) != 3 {
		s.ctx.Errorf("substr requires three parameters.")
		return ""
	}
	start := atoi(tokens[0])
	end := atoi(tokens[1])
	if end < start {
		start, end = end, start
	}
	word := tokens[2]
	if start < 1 {
		start = 1
	}
	if end > len(word) {
		end = len(word)
	}
	if end < start {
		return ""
	}
	return word[start-1 : end]
}

// expandFindstring returns the haystack iff the needle occurs within it.
func (s *Scope) expandFindstring(params string) string {
	tokens := s.tokenizeParams(params, true)
	if len(tokens) != 2 {
		s.ctx.Errorf("findstring requires two parameters.")
		return ""
	}
	if !strings.Contains(tokens[1], tokens[0]) {
		return ""
	}
	return tokens[1]
}

func (s *Scope) expandSubst(params string) string {
	tokens := s.tokenizeParams(params, true)
	if len(tokens) < 3 {
		s.ctx.Errorf("subst requires at least three parameters.")
		return ""
	}
	if len(tokens)%2 != 1 {
		s.ctx.Errorf("subst requires an odd number of parameters.")
		return ""
	}
	str := tokens[len(tokens)-1]
	for i := 0; i < len(tokens)-1; i += 2 {
		str = strings.ReplaceAll(str, tokens[i], tokens[i+1])
	}
	return str
}

// expandWordsubst is like subst but replaces whole words only.
func (s *Scope) expandWordsubst(params string) string {
	tokens := s.tokenizeParams(params, true)
	if len(tokens) < 3 {
		s.ctx.Errorf("wordsubst requires at least three parameters.")
		return ""
	}
	if len(tokens)%2 != 1 {
		s.ctx.Errorf("wordsubst requires an odd number of parameters.")
		return ""
	}
	words := tokenizeWhitespace(tokens[len(tokens)-1])
	for i := 0; i < len(tokens)-1; i += 2 {
		for wi, word := range words {
			if word == tokens[i] {
				words[wi] = tokens[i+1]
			}
		}
	}
	return repaste(words, " ")
}

func (s *Scope) expandPatsubst(params string) string {
	return s.patsubst(params, true)
}

func (s *Scope) expandPatsubstw(params string) string {
	return s.patsubst(params, false)
}

// patsubst implements $[patsubst from,to,...,words].  Multiple from/to
// pairs may be given; each word is rewritten by the first pair whose from
// pattern matches.  The from patterns are expanded eagerly; a to pattern is
// expanded eagerly only when it carries no wildcard, otherwise the
// transformed result is expanded afterwards.
func (s *Scope) patsubst(params string, separateWords bool) string {
	tokens := s.tokenizeParams(params, false)
	if len(tokens) < 3 {
		s.ctx.Errorf("patsubst requires at least three parameters.")
		return ""
	}
	if len(tokens)%2 != 1 {
		s.ctx.Errorf("patsubst requires an odd number of parameters.")
		return ""
	}

	var words []string
	if separateWords {
		words = tokenizeWhitespace(s.ExpandString(tokens[len(tokens)-1]))
	} else {
		words = []string{s.ExpandString(tokens[len(tokens)-1])}
	}

	var from [][]Pattern
	var to []Pattern
	for i := 0; i < len(tokens)-1; i += 2 {
		var patterns []Pattern
		for _, f := range tokenizeWhitespace(s.ExpandString(tokens[i])) {
			pattern := NewPattern(f)
			if !pattern.HasWildcard() {
				s.ctx.Errorf("All the \"from\" parameters of patsubst must include %%.")
				return ""
			}
			patterns = append(patterns, pattern)
		}
		from = append(from, patterns)

		toPattern := NewPattern(tokens[i+1])
		if !toPattern.HasWildcard() {
			toPattern = NewPattern(s.ExpandString(tokens[i+1]))
		}
		to = append(to, toPattern)
	}

	for wi, word := range words {
		matched := false
		for i := 0; i < len(from) && !matched; i++ {
			for _, pattern := range from[i] {
				if pattern.Matches(word) {
					matched = true
					words[wi] = s.ExpandString(to[i].Transform(word, pattern))
					break
				}
			}
		}
	}
	return repaste(words, " ")
}

func (s *Scope) expandFilter(params string) string {
	return s.filterWords(params, "filter", true)
}

func (s *Scope) expandFilterOut(params string) string {
	return s.filterWords(params, "filter-out", false)
}

func (s *Scope) filterWords(params, name string, keepMatches bool) string {
	tokens := s.tokenizeParams(params, true)
	if len(tokens) != 2 {
		s.ctx.Errorf("%s requires two parameters.", name)
		return ""
	}
	var patterns []Pattern
	for _, p := range tokenizeWhitespace(tokens[0]) {
		patterns = append(patterns, NewPattern(p))
	}
	var kept []string
	for _, word := range tokenizeWhitespace(tokens[1]) {
		matches := false
		for _, pattern := range patterns {
			if pattern.Matches(word) {
				matches = true
				break
			}
		}
		if matches == keepMatches {
			kept = append(kept, word)
		}
	}
	return repaste(kept, " ")
}

func (s *Scope) expandJoin(params string) string {
	tokens := s.tokenizeParams(params, true)
	if len(tokens) != 2 {
		s.ctx.Errorf("join requires two parameters.")
		return ""
	}
	return repaste(tokenizeWhitespace(s.ExpandString(tokens[1])), tokens[0])
}

// expandSort sorts words alphabetically and removes duplicates.
func (s *Scope) expandSort(params string) string {
	words := tokenizeWhitespace(s.ExpandString(params))
	sort.Strings(words)
	out := words[:0]
	var last string
	for i, word := range words {
		if i == 0 || word != last {
			out = append(out, word)
		}
		last = word
	}
	return repaste(out, " ")
}

// expandUnique removes duplicate words, preserving each word's first
// occurrence.
func (s *Scope) expandUnique(params string) string {
	words := tokenizeWhitespace(s.ExpandString(params))
	seen := make(map[string]bool, len(words))
	out := words[:0]
	for _, word := range words {
		if !seen[word] {
			seen[word] = true
			out = append(out, word)
		}
	}
	return repaste(out, " ")
}

func (s *Scope) expandWord(params string) string {
	tokens := s.tokenizeParams(params, true)
	if len(tokens) != 2 {
		s.ctx.Errorf("word requires two parameters.")
		return ""
	}
	index := atoi(tokens[0])
	words := tokenizeWhitespace(s.ExpandString(tokens[1]))
	if index < 1 || index > len(words) {
		return ""
	}
	return words[index-1]
}

func (s *Scope) expandWordlist(params string) string {
	tokens := s.tokenizeParams(params, true)
	if len(tokens) != 3 {
		s.ctx.Errorf("wordlist requires three parameters.")
		return ""
	}
	start := atoi(tokens[0])
	end := atoi(tokens[1])
	if end < start {
		start, end = end, start
	}
	words := tokenizeWhitespace(s.ExpandString(tokens[2]))
	if start < 1 {
		start = 1
	}
	if end > len(words) {
		end = len(words)
	}
	if end < start {
		return ""
	}
	return repaste(words[start-1:end], " ")
}

func (s *Scope) expandWords(params string) string {
	return strconv.Itoa(len(tokenizeWhitespace(s.ExpandString(params))))
}

func (s *Scope) expandFirstword(params string) string {
	words := tokenizeWhitespace(s.ExpandString(params))
	if len(words) == 0 {
		return ""
	}
	return words[0]
}

func (s *Scope) expandUpcase(params string) string {
	return strings.ToUpper(s.ExpandString(params))
}

func (s *Scope) expandDowncase(params string) string {
	return strings.ToLower(s.ExpandString(params))
}

// expandMatrix combines the words of the comma-separated groups in all
// possible ways, like shell {a,b} expansion: $[matrix a b,c,10 20] expands
// to ac10 ac20 bc10 bc20.
func (s *Scope) expandMatrix(params string) string {
	tokens := s.tokenizeParams(params, true)
	groups := make([][]string, len(tokens))
	for i, token := range tokens {
		groups[i] = tokenizeWhitespace(token)
	}
	var results []string
	var recur func(index int, prefix string)
	recur = func(index int, prefix string) {
		if index >= len(groups) {
			results = append(results, prefix)
			return
		}
		for _, word := range groups[index] {
			recur(index+1, prefix+word)
		}
	}
	recur(0, "")
	return repaste(results, " ")
}

func (s *Scope) expandIf(params string) string {
	tokens := s.tokenizeParams(params, true)
	switch len(tokens) {
	case 2:
		if tokens[0] != "" {
			return tokens[1]
		}
		return ""
	case 3:
		if tokens[0] != "" {
			return tokens[1]
		}
		return tokens[2]
	}
	s.ctx.Errorf("if requires two or three parameters.")
	return ""
}

func (s *Scope) expandEq(params string) string {
	tokens := s.tokenizeParams(params, true)
	if len(tokens) != 2 {
		s.ctx.Errorf("eq requires two parameters.")
		return ""
	}
	if tokens[0] == tokens[1] {
		return "1"
	}
	return ""
}

func (s *Scope) expandNe(params string) string {
	tokens := s.tokenizeParams(params, true)
	if len(tokens) != 2 {
		s.ctx.Errorf("ne requires two parameters.")
		return ""
	}
	if tokens[0] != tokens[1] {
		return "1"
	}
	return ""
}

func (s *Scope) expandNot(params string) string {
	tokens := s.tokenizeParams(params, true)
	if len(tokens) != 1 {
		s.ctx.Errorf("not requires one parameter.")
		return ""
	}
	if tokens[0] == "" {
		return "1"
	}
	return ""
}

// expandOr returns the first non-empty argument.
func (s *Scope) expandOr(params string) string {
	for _, token := range s.tokenizeParams(params, true) {
		if token != "" {
			return token
		}
	}
	return ""
}

// expandAnd returns the last argument if all are non-empty.
func (s *Scope) expandAnd(params string) string {
	tokens := s.tokenizeParams(params, true)
	for _, token := range tokens {
		if token == "" {
			return ""
		}
	}
	if len(tokens) == 0 {
		return "1"
	}
	return tokens[len(tokens)-1]
}

func (s *Scope) expandDefined(params string) string {
	tokens := s.tokenizeParams(params, true)
	if len(tokens) != 1 {
		s.ctx.Errorf("defined requires one parameter.")
		return ""
	}
	if s.defined(tokens[0]) {
		return "1"
	}
	return ""
}

func (s *Scope) numericCompare(params string, cmp func(a, b float64) bool) string {
	a, b, ok := s.tokenizeNumericPair(params)
	if !ok {
		return ""
	}
	if cmp(a, b) {
		return "1"
	}
	return ""
}

func (s *Scope) expandEqn(params string) string {
	return s.numericCompare(params, func(a, b float64) bool { return a == b })
}

func (s *Scope) expandNen(params string) string {
	return s.numericCompare(params, func(a, b float64) bool { return a != b })
}

func (s *Scope) expandLtn(params string) string {
	return s.numericCompare(params, func(a, b float64) bool { return a < b })
}

func (s *Scope) expandLen(params string) string {
	return s.numericCompare(params, func(a, b float64) bool { return a <= b })
}

func (s *Scope) expandGtn(params string) string {
	return s.numericCompare(params, func(a, b float64) bool { return a > b })
}

func (s *Scope) expandGen(params string) string {
	return s.numericCompare(params, func(a, b float64) bool { return a >= b })
}

func (s *Scope) expandPlus(params string) string {
	result := 0
	for _, n := range s.tokenizeInts(params) {
		result += n
	}
	return strconv.Itoa(result)
}

// expandMinus subtracts the remaining arguments from the first, or negates
// a single argument.
func (s *Scope) expandMinus(params string) string {
	tokens := s.tokenizeInts(params)
	result := 0
	if len(tokens) == 1 {
		result = -tokens[0]
	} else if len(tokens) > 1 {
		result = tokens[0]
		for _, n := range tokens[1:] {
			result -= n
		}
	}
	return strconv.Itoa(result)
}

func (s *Scope) expandTimes(params string) string {
	result := 1
	for _, n := range s.tokenizeInts(params) {
		result *= n
	}
	return strconv.Itoa(result)
}

func (s *Scope) expandDivide(params string) string {
	tokens := s.tokenizeInts(params)
	if len(tokens) != 2 {
		s.ctx.Errorf("%d parameters supplied when two were expected:\n%s", len(tokens), params)
		return ""
	}
	if tokens[1] == 0 {
		s.ctx.Errorf("Division by zero:\n%s", params)
		return ""
	}
	return strconv.Itoa(tokens[0] / tokens[1])
}

func (s *Scope) expandModulo(params string) string {
	tokens := s.tokenizeInts(params)
	if len(tokens) != 2 {
		s.ctx.Errorf("%d parameters supplied when two were expected:\n%s", len(tokens), params)
		return ""
	}
	if tokens[1] == 0 {
		s.ctx.Errorf("Division by zero:\n%s", params)
		return ""
	}
	return strconv.Itoa(tokens[0] % tokens[1])
}

// expandCdefine emits a C-style #define or #undef line based on whether the
// named variable expands non-empty.  Handy for generating config headers.
func (s *Scope) expandCdefine(params string) string {
	varname := trimBlanks(params)
	expansion := trimBlanks(s.ExpandVariable(varname))
	if expansion == "" {
		return "#undef " + varname
	}
	return "#define " + varname + " " + expansion
}

// expandForeach evaluates an expression once per word, with the loop
// variable bound in the current scope.  The expression argument is passed
// lazily.
func (s *Scope) expandForeach(params string) string {
	tokens := s.tokenizeParams(params, false)
	if len(tokens) != 3 {
		s.ctx.Errorf("foreach requires three parameters.")
		return ""
	}
	varname := trimBlanks(s.ExpandString(tokens[0]))
	words := tokenizeWhitespace(s.ExpandString(tokens[1]))
	results := make([]string, 0, len(words))
	for _, word := range words {
		s.Define(varname, word)
		results = append(results, s.ExpandString(tokens[2]))
	}
	return repaste(results, " ")
}

// expandForscopes evaluates an expression once within each matching named
// scope, in dependency order.
func (s *Scope) expandForscopes(params string) string {
	tokens := s.tokenizeParams(params, false)
	if len(tokens) != 2 {
		s.ctx.Errorf("forscopes requires two parameters.")
		return ""
	}
	var scopes []*Scope
	for _, name := range tokenizeWhitespace(s.ExpandString(tokens[0])) {
		s.ctx.Named.GetScopes(name, &scopes)
	}
	SortByDependency(scopes)

	results := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		results = append(results, scope.ExpandString(tokens[1]))
	}
	return repaste(results, " ")
}

// expandClosure computes the transitive expansion of an expression across
// the scopes reachable through a map variable.  The expression and the
// optional next-keys expression are passed lazily; each scope is visited at
// most once.
func (s *Scope) expandClosure(params string) string {
	tokens := s.tokenizeParams(params, false)
	if len(tokens) != 2 && len(tokens) != 3 {
		s.ctx.Errorf("closure requires two or three parameters.")
		return ""
	}
	varname := s.ExpandString(tokens[0])
	expression := tokens[1]
	closeOn := expression
	if len(tokens) > 2 {
		closeOn = tokens[2]
	}

	def := s.FindMapVariable(varname)
	if def == nil {
		s.ctx.Warnf("Warning:  undefined map variable: %s", varname)
		return ""
	}

	// Evaluate the expression here, then within each scope named by the
	// close-on expansion, then within each scope *that* names, and so on.
	visited := make(map[string]bool)
	results := []string{s.ExpandString(expression)}
	nextPass := []string{s.ExpandString(closeOn)}

	for len(nextPass) > 0 {
		pass := tokenizeWhitespace(nextPass[len(nextPass)-1])
		nextPass = nextPass[:len(nextPass)-1]

		for _, word := range pass {
			if visited[word] {
				continue
			}
			visited[word] = true
			if scope, ok := def[word]; ok {
				results = append(results, scope.ExpandString(expression))
				nextPass = append(nextPass, scope.ExpandString(closeOn))
			}
		}
	}
	return repaste(results, " ")
}

// expandUnmapped returns the keys that are not present in the map variable.
func (s *Scope) expandUnmapped(params string) string {
	tokens := s.tokenizeParams(params, false)
	if len(tokens) != 2 {
		s.ctx.Errorf("unmapped requires two parameters.")
		return ""
	}
	varname := s.ExpandString(tokens[0])
	def := s.FindMapVariable(varname)
	if def == nil {
		s.ctx.Warnf("Warning:  undefined map variable: %s", varname)
		return ""
	}
	var results []string
	for _, key := range tokenizeWhitespace(s.ExpandString(tokens[1])) {
		if _, ok := def[key]; !ok {
			results = append(results, key)
		}
	}
	return repaste(results, " ")
}

// expandDependencies returns the transitive include closure of the named
// files, relative to the current output directory.
func (s *Scope) expandDependencies(params string) string {
	filenames := tokenizeWhitespace(s.ExpandString(params))
	dir := s.Directory()
	if dir == nil || s.ctx.DependenciesFn == nil {
		s.ctx.Errorf("dependencies is not available in this context.")
		return ""
	}
	results := s.ctx.DependenciesFn(dir, filenames)
	sort.Strings(results)
	out := results[:0]
	var last string
	for i, r := range results {
		if i == 0 || r != last {
			out = append(out, r)
		}
		last = r
	}
	return repaste(out, " ")
}
