package guess

// positiveKeywords suggest an official or campaign account.
var positiveKeywords = []string{
	"official",
	"campaign",
	"candidate",
	"elect",
	"vote",
	"senator",
	"senate",
	"assembly",
	"congress",
	"council",
	"mayor",
	"governor",
	"judge",
	"sheriff",
	"district",
	"representative",
}

// negativeKeywords suggest a fan, parody or otherwise unofficial account.
var negativeKeywords = []string{
	"parody",
	"fan account",
	"fan page",
	"fake",
	"satire",
	"unofficial",
	"not affiliated",
	"impersonat",
}
