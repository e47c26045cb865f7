package errors

type Status struct {
	code    uint16
	message string
}

func NewStatus(code uint16, message string) *Status {
	return &Status{code: code, message: message}
}

func (st *Status) Error() string {
	return st.message
}

func (st *Status) Code() uint16 {
	return st.code
}
