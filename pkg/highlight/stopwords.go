package highlight

// stopwordList is the standard English list trimmed of words that carry
// signal in survey feedback (not, no, but, very, too, more, most, only,
// just, all). Contraction fragments (don, t, ve, ...) are kept because the
// tokenizer splits on apostrophes.
var stopwordList = []string{
	"a", "about", "above", "after", "again", "against", "ain", "am", "an",
	"and", "any", "are", "aren", "as", "at",
	"be", "because", "been", "before", "being", "below", "between", "both",
	"by",
	"can", "couldn",
	"d", "did", "didn", "do", "does", "doesn", "doing", "don", "down",
	"during",
	"each",
	"few", "for", "from", "further",
	"had", "hadn", "has", "hasn", "have", "haven", "having", "he", "her",
	"here", "hers", "herself", "him", "himself", "his", "how",
	"i", "if", "in", "into", "is", "isn", "it", "its", "itself",
	"ll",
	"m", "ma", "me", "mightn", "mustn", "my", "myself",
	"needn", "nor", "now",
	"o", "of", "off", "on", "once", "or", "other", "our", "ours",
	"ourselves", "out", "over", "own",
	"re",
	"s", "same", "shan", "she", "should", "shouldn", "so", "some", "such",
	"t", "than", "that", "the", "their", "theirs", "them", "themselves",
	"then", "there", "these", "they", "this", "those", "through", "to",
	"under", "until", "up",
	"ve",
	"was", "wasn", "we", "were", "weren", "what", "when", "where", "which",
	"while", "who", "whom", "why", "will", "with", "won", "wouldn",
	"y", "you", "your", "yours", "yourself", "yourselves",
}

var stopwords = make(map[string]bool, len(stopwordList))

func init() {
	for _, w := range stopwordList {
		stopwords[w] = true
	}
}
