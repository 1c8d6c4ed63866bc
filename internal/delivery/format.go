package delivery

// Doc is an Atlassian Document Format node. The root node has Type "doc" and Version 1.
type Doc struct {
	Version int            `json:"version,omitempty"`
	Type    string         `json:"type"`
	Text    string         `json:"text,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Marks   []Mark         `json:"marks,omitempty"`
	Content []Doc          `json:"content,omitempty"`
}

// Mark is an ADF text mark (strong, link...)
type Mark struct {
	Type  string         `json:"type"`
	Attrs map[string]any `json:"attrs,omitempty"`
}

func document(content ...Doc) Doc {
	return Doc{Version: 1, Type: "doc", Content: content}
}

func text(s string) Doc {
	return Doc{Type: "text", Text: s}
}

func bold(s string) Doc {
	return Doc{Type: "text", Text: s, Marks: []Mark{{Type: "strong"}}}
}

func link(s, href string) Doc {
	return Doc{Type: "text", Text: s, Marks: []Mark{{Type: "link", Attrs: map[string]any{"href": href}}}}
}

func paragraph(inline ...Doc) Doc {
	return Doc{Type: "paragraph", Content: inline}
}

func heading(s string, level int) Doc {
	return Doc{Type: "heading", Attrs: map[string]any{"level": level}, Content: []Doc{text(s)}}
}

func bulletList(items ...string) Doc {
	list := Doc{Type: "bulletList"}
	for _, item := range items {
		list.Content = append(list.Content, Doc{Type: "listItem", Content: []Doc{paragraph(text(item))}})
	}
	return list
}

// labelled renders "<b>label</b> value"
func labelled(label, value string) Doc {
	return paragraph(bold(label+": "), text(value))
}

// Block is a Slack Block Kit block
type Block struct {
	Type   string       `json:"type"`
	Text   *TextObject  `json:"text,omitempty"`
	Fields []TextObject `json:"fields,omitempty"`
}

// TextObject is a Block Kit text composition object
type TextObject struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Emoji bool   `json:"emoji,omitempty"`
}

func header(s string) Block {
	return Block{Type: "header", Text: &TextObject{Type: "plain_text", Text: s, Emoji: true}}
}

func section(md string) Block {
	return Block{Type: "section", Text: &TextObject{Type: "mrkdwn", Text: md}}
}

func fieldsSection(fields ...string) Block {
	b := Block{Type: "section"}
	for _, f := range fields {
		b.Fields = append(b.Fields, TextObject{Type: "mrkdwn", Text: f})
	}
	return b
}

func divider() Block {
	return Block{Type: "divider"}
}
