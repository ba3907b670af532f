package model

type SessionState string

const (
	StateUnpaired  SessionState = "unpaired"
	StatePairing   SessionState = "pairing"
	StateConnected SessionState = "connected"
	StateListening SessionState = "listening"
	StateThinking  SessionState = "thinking"
	StateSpeaking  SessionState = "speaking"
)
