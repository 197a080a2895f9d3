package cloudclient

import (
	"net/http"
	"testing"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status int
		ok     bool
		class  ErrorClass
	}{
		{http.StatusOK, true, 0},
		{http.StatusNoContent, true, 0},
		{http.StatusRequestTimeout, false, ClassTimeout},
		{http.StatusGatewayTimeout, false, ClassTimeout},
		{http.StatusTooManyRequests, false, ClassTransient},
		{http.StatusInternalServerError, false, ClassTransient},
		{http.StatusServiceUnavailable, false, ClassTransient},
		{http.StatusBadRequest, false, ClassPermanent},
		{http.StatusNotFound, false, ClassPermanent},
		{http.StatusUnauthorized, false, ClassPermanent},
	}
	for _, c := range cases {
		class, ok := classifyStatus(c.status)
		if ok != c.ok {
			t.Errorf("classifyStatus(%d): ok = %v, want %v", c.status, ok, c.ok)
		}
		if !c.ok && class != c.class {
			t.Errorf("classifyStatus(%d): class = %v, want %v", c.status, class, c.class)
		}
	}
}
