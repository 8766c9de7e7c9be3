package server

import (
	"fmt"
	"strings"
)

const generalSkill = "general"

// questionBanks holds scripted questions per focus skill.
var questionBanks = map[string][]string{
	generalSkill: {
		"What does a typical working week look like for you?",
		"Which part of your job do you find hardest, and how do you handle it?",
		"Tell me about something you learned recently that changed how you work.",
		"How do you decide what to work on first when everything is urgent?",
	},
	"spreadsheets": {
		"Which spreadsheet tools do you use, and for what kind of work?",
		"How would you combine data from two sheets that share a customer ID?",
		"Describe a formula or pivot table you built that saved you time.",
	},
	"sql": {
		"What kinds of questions do you usually answer with SQL?",
		"How would you find customers who ordered last month but not this month?",
		"Tell me about a slow query you had to speed up.",
	},
	"communication": {
		"How do you explain a technical result to someone without that background?",
		"Tell me about a time a message you sent was misunderstood. What happened next?",
		"How do you prepare for a difficult conversation with a colleague?",
	},
	"python": {
		"What do you use Python for day to day?",
		"How do you structure a script that has grown beyond a single file?",
		"Tell me about a bug in your Python code that took a while to find.",
	},
	"project-management": {
		"How do you break a large project into pieces a team can work on?",
		"What do you do when a project starts slipping behind schedule?",
		"How do you keep stakeholders informed without drowning them in updates?",
	},
}

var acknowledgements = []string{
	"Thanks, that's helpful.",
	"Got it.",
	"Interesting, thank you.",
	"That makes sense.",
}

// Interviewer produces the scripted evaluator replies.
type Interviewer struct {
	maxTurns int
}

// NewInterviewer creates an interviewer that closes after maxTurns answers.
func NewInterviewer(maxTurns int) *Interviewer {
	return &Interviewer{maxTurns: maxTurns}
}

// Reply returns the bot text after answered user turns. answered == 0 asks
// the opening question.
func (iv *Interviewer) Reply(skills []string, answered int, answer string) string {
	skills = normalizeSkills(skills)
	if answered == 0 {
		return fmt.Sprintf("Hi! I'll ask you %d short questions about %s. Answer in your own words. %s",
			iv.maxTurns, strings.Join(skills, ", "), iv.question(skills, 0))
	}
	if iv.Finished(answered) {
		return "Thanks, that's everything I needed. Your results will be ready soon."
	}

	ack := acknowledgements[(answered-1)%len(acknowledgements)]
	if len(strings.Fields(answer)) < 4 {
		ack += " Feel free to go into more detail next time."
	}
	return ack + " " + iv.question(skills, answered)
}

// Finished reports whether answered turns complete the assessment.
func (iv *Interviewer) Finished(answered int) bool {
	return answered >= iv.maxTurns
}

func (iv *Interviewer) question(skills []string, n int) string {
	skill := skills[n%len(skills)]
	bank := questionBanks[skill]
	return bank[(n/len(skills))%len(bank)]
}

// normalizeSkills lowercases skills and maps unknown ones to the general bank.
func normalizeSkills(skills []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range skills {
		s = strings.ToLower(strings.TrimSpace(s))
		if _, ok := questionBanks[s]; !ok {
			s = generalSkill
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		out = []string{generalSkill}
	}
	return out
}

// words splits text into streaming fragments, keeping the separating spaces.
func words(text string) []string {
	return strings.SplitAfter(text, " ")
}
