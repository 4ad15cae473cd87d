package retrieval

import (
	"fmt"
	"strings"

	"github.com/loomi/story-rag/pkg/utils"
)

const maxPromptStories = 3

// GetStoryContext summarises retrieved stories. Lists keep first-seen
// order; the age group is the most frequent one, earliest on ties.
func GetStoryContext(stories []RetrievedStory) RetrievalContext {
	var (
		themes     []string
		characters []string
		morals     []string
		ageCounts  = make(map[string]int)
		ageOrder   []string
		total      float64
	)

	for _, s := range stories {
		themes = append(themes, s.Themes...)
		characters = append(characters, s.Characters...)
		if s.Moral != "" {
			morals = append(morals, s.Moral)
		}
		if s.AgeGroup != "" {
			if _, ok := ageCounts[s.AgeGroup]; !ok {
				ageOrder = append(ageOrder, s.AgeGroup)
			}
			ageCounts[s.AgeGroup]++
		}
		total += s.Similarity
	}

	var ageGroup string
	best := 0
	for _, age := range ageOrder {
		if ageCounts[age] > best {
			best = ageCounts[age]
			ageGroup = age
		}
	}

	var avg float64
	if len(stories) > 0 {
		avg = total / float64(len(stories))
	}

	return RetrievalContext{
		Themes:            utils.DedupeStrings(themes),
		Characters:        utils.DedupeStrings(characters),
		Morals:            utils.DedupeStrings(morals),
		AgeGroup:          ageGroup,
		AverageSimilarity: avg,
		StoryCount:        len(stories),
	}
}

// FormatPromptAddition renders the system prompt block that introduces the
// retrieved stories. It is empty when nothing was retrieved.
func FormatPromptAddition(stories []RetrievedStory, storyContext RetrievalContext) string {
	if len(stories) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n\nHere are some classic stories that may inspire your storytelling style:\n")

	for i, s := range stories {
		if i == maxPromptStories {
			break
		}
		fmt.Fprintf(&b, "\n%d. %q\n", i+1, s.Title)
		if s.Moral != "" {
			fmt.Fprintf(&b, "   Moral: %s\n", s.Moral)
		}
		if len(s.Themes) > 0 {
			fmt.Fprintf(&b, "   Themes: %s\n", strings.Join(s.Themes, ", "))
		}
	}

	if len(storyContext.Themes) > 0 {
		fmt.Fprintf(&b, "\nCommon themes in these stories: %s\n", strings.Join(storyContext.Themes, ", "))
	}

	b.WriteString("\nUse these stories only as inspiration for tone and moral framing. ")
	b.WriteString("Do not copy their plots, characters or wording; write an original story.\n")
	return b.String()
}
