package domain

// DTOQuestion is the client-facing projection of a question. The answer
// is revealed only once the question has been won; the prompt only once
// it is open or won.
type DTOQuestion struct {
	Value  int            `json:"value"`
	Prompt string         `json:"prompt,omitempty"`
	Answer string         `json:"answer,omitempty"`
	Winner *UserSessionID `json:"winner,omitempty"`
	Media  []string       `json:"media,omitempty"`
}

type DTOCategory struct {
	Title     string        `json:"title"`
	Questions []DTOQuestion `json:"questions"`
}

type DTOBoard struct {
	Categories []DTOCategory `json:"categories"`
	Current    *Coord        `json:"current,omitempty"`
	Action     ActionState   `json:"action"`
	Buzzer     BuzzerState   `json:"buzzer"`
}

func dtoQuestion(q Question, open bool) DTOQuestion {
	out := DTOQuestion{Value: q.Value, Winner: q.Winner}
	if open || q.Winner != nil {
		out.Prompt = q.Prompt
		out.Media = append([]string(nil), q.Media...)
	}
	if q.Winner != nil {
		out.Answer = q.Answer
	}
	return out
}

// DTOCurrentQuestion projects the open question for a CurrentQuestion
// broadcast.
func (b *Board) DTOCurrentQuestion() (DTOQuestion, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current == nil {
		return DTOQuestion{}, false
	}
	q := b.question(*b.current)
	if q == nil {
		return DTOQuestion{}, false
	}
	return dtoQuestion(*q, true), true
}

// DTO projects the whole board for a CurrentBoard broadcast.
func (b *Board) DTO() DTOBoard {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := DTOBoard{
		Categories: make([]DTOCategory, len(b.categories)),
		Action:     b.snapshotAction(),
	}
	for i, cat := range b.categories {
		dc := DTOCategory{Title: cat.Title, Questions: make([]DTOQuestion, len(cat.Questions))}
		for j, q := range cat.Questions {
			open := b.current != nil && b.current.Category == i && b.current.Question == j
			dc.Questions[j] = dtoQuestion(q, open)
		}
		out.Categories[i] = dc
	}
	if b.current != nil {
		c := *b.current
		out.Current = &c
	}
	out.Buzzer = BuzzerState{Kind: b.buzzerKind}
	if b.ranking != nil {
		out.Buzzer.Ranking = append([]UserSessionID(nil), b.ranking...)
	}
	return out
}
