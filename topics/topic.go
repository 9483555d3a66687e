package topics

// Topic is a webhook event name of the form "<prefix>.<name>".
type Topic struct {
	prefix string
	name   string
}

func New(prefix, name string) Topic {
	return Topic{
		prefix: prefix,
		name:   name,
	}
}

var (
	URLValidation = New("endpoint", "url_validation")
	RTMSStarted   = New("meeting", "rtms_started")
	RTMSStopped   = New("meeting", "rtms_stopped")
)

func (t Topic) FullName() string {
	if t.prefix == "" {
		return t.name
	}
	return t.prefix + "." + t.name
}

// Matches reports whether event names this topic.
func (t Topic) Matches(event string) bool {
	return event == t.FullName()
}
