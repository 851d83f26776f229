package search

import (
	"fmt"

	"github.com/mohammad-safakhou/dbadvisor/internal/oracle"
)

func keywordSystem(domain oracle.Domain) string {
	return fmt.Sprintf("You are an experienced database administrator, skilled in database %s. "+
		"You answer with a single JSON object only.", domain)
}

func keywordPrompt(mode Mode, domain oracle.Domain, features string) string {
	if mode == ModeAuto {
		return fmt.Sprintf(`Task Overview:
You are preparing to tune a PostgreSQL system for %[1]s.

Context:
%[2]s

Goal:
Decide whether you already have enough external domain knowledge (best practices, formulas,
documentation, community experience) to handle the items in the context. Metric values are
provided separately; only judge whether manuals or experience reports are needed.

Output Format:
{
    "sufficient": "True" or "False",
    "keywords": ["keyword1", "keyword2"]
}
Give 2-3 specific search queries in "keywords" when "sufficient" is "False".`, domain, features)
	}
	return fmt.Sprintf(`Task Overview:
You are given a context describing the current PostgreSQL tuning scenario. Generate concise search
keywords that would retrieve the information needed for effective %[1]s.

Context:
%[2]s

Output Format:
{
    "keywords": ["PostgreSQL OLAP performance tuning", "Indexing strategies for OLAP workloads"]
}`, domain, features)
}
