package ttp

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/template"
)

// SOAP request envelopes are built with text/template, values escaped for
// XML content.
var soapFuncs = template.FuncMap{
	"esc": func(s string) string {
		var b bytes.Buffer
		xml.EscapeText(&b, []byte(s))
		return b.String()
	},
}

var epixRequestTemplate = template.Must(template.New("requestMPI").Funcs(soapFuncs).Parse(
	`<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/" xmlns:ser="http://service.epix.ttp.icmvc.emau.org/">
  <soapenv:Header/>
  <soapenv:Body>
    <ser:requestMPIWithConfig>
      <domainName>{{esc .Domain}}</domainName>
      <identity>
        {{- if .Identity.FirstName}}
        <firstName>{{esc .Identity.FirstName}}</firstName>
        {{- end}}
        {{- if .Identity.LastName}}
        <lastName>{{esc .Identity.LastName}}</lastName>
        {{- end}}
        <gender>{{esc .Identity.Gender}}</gender>
        {{- if .Identity.BirthDate}}
        <birthDate>{{esc .Identity.BirthDate}}</birthDate>
        {{- end}}
        {{- if or .Identity.Street .Identity.City .Identity.ZipCode}}
        <contacts>
          {{- if .Identity.Street}}
          <street>{{esc .Identity.Street}}</street>
          {{- end}}
          {{- if .Identity.City}}
          <city>{{esc .Identity.City}}</city>
          {{- end}}
          {{- if .Identity.ZipCode}}
          <zipCode>{{esc .Identity.ZipCode}}</zipCode>
          {{- end}}
        </contacts>
        {{- end}}
      </identity>
      <sourceName>{{esc .Source}}</sourceName>
      <requestConfig>
        <forceReferenceUpdate>false</forceReferenceUpdate>
        <saveAction>DONT_SAVE_ON_PERFECT_MATCH</saveAction>
      </requestConfig>
    </ser:requestMPIWithConfig>
  </soapenv:Body>
</soapenv:Envelope>`))

var gpasRequestTemplate = template.Must(template.New("getOrCreatePseudonym").Funcs(soapFuncs).Parse(
	`<soapenv:Envelope xmlns:soapenv="http://schemas.xmlsoap.org/soap/envelope/" xmlns:psn="http://psn.ttp.ganimed.icmvc.emau.org/">
  <soapenv:Header/>
  <soapenv:Body>
    <psn:getOrCreatePseudonymFor>
      <value>{{esc .Value}}</value>
      <domainName>{{esc .Domain}}</domainName>
    </psn:getOrCreatePseudonymFor>
  </soapenv:Body>
</soapenv:Envelope>`))

type epixEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		Response struct {
			Return struct {
				MatchStatus string `xml:"matchStatus"`
				Person      struct {
					MPIID struct {
						Value string `xml:"value"`
					} `xml:"mpiId"`
				} `xml:"person"`
			} `xml:"return"`
		} `xml:"requestMPIWithConfigResponse"`
	} `xml:"Body"`
}

type gpasEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		Response struct {
			PSN string `xml:"psn"`
		} `xml:"getOrCreatePseudonymForResponse"`
	} `xml:"Body"`
}

func (g *Greifswald) requestMPISOAP(ctx context.Context, ident identity) (string, error) {
	var envelope bytes.Buffer
	err := epixRequestTemplate.Execute(&envelope, struct {
		Domain   string
		Source   string
		Identity identity
	}{Domain: g.epixDomain, Source: g.source, Identity: ident})
	if err != nil {
		return "", fmt.Errorf("render epix request: %w", err)
	}

	body, err := g.soapCall(ctx, g.baseURL+"epix/epixService", &envelope)
	if err != nil {
		return "", err
	}

	var resp epixEnvelope
	if err := xml.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: decode epix response: %v", ErrBadResponse, err)
	}
	ret := resp.Body.Response.Return
	if ret.MatchStatus == "" || ret.MatchStatus == matchStatusError {
		return "", fmt.Errorf("%w: match status %q", ErrBadResponse, ret.MatchStatus)
	}
	if ret.Person.MPIID.Value == "" {
		return "", fmt.Errorf("%w: epix response without mpi", ErrBadResponse)
	}
	return ret.Person.MPIID.Value, nil
}

func (g *Greifswald) pseudonymSOAP(ctx context.Context, mpi string) (string, error) {
	var envelope bytes.Buffer
	err := gpasRequestTemplate.Execute(&envelope, struct {
		Value  string
		Domain string
	}{Value: mpi, Domain: g.gpasDomain})
	if err != nil {
		return "", fmt.Errorf("render gpas request: %w", err)
	}

	body, err := g.soapCall(ctx, g.baseURL+"gpas/gpasService", &envelope)
	if err != nil {
		return "", err
	}

	var resp gpasEnvelope
	if err := xml.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: decode gpas response: %v", ErrBadResponse, err)
	}
	if resp.Body.Response.PSN == "" {
		return "", fmt.Errorf("%w: gpas response without pseudonym", ErrBadResponse)
	}
	return resp.Body.Response.PSN, nil
}

func (g *Greifswald) soapCall(ctx context.Context, url string, envelope io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, envelope)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "text/xml; charset=utf-8")
	req.Header.Set("SOAPAction", "")
	if err := g.provider.Apply(ctx, g.authMethod, req); err != nil {
		return nil, err
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read soap response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		g.logger.Error().Int("status", resp.StatusCode).Str("url", url).Str("body", strings.TrimSpace(string(body))).Msg("soap call refused")
		return nil, fmt.Errorf("%w: %s returned %s", ErrBadResponse, url, resp.Status)
	}
	return body, nil
}

// postOperation posts a FHIR Parameters resource to an extended operation on
// the suite's FHIR gateway and decodes the answer into out.
func (g *Greifswald) postOperation(ctx context.Context, path string, params interface{}, out interface{}) error {
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}

	url := g.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/fhir+json")
	if err := g.provider.Apply(ctx, g.authMethod, req); err != nil {
		return err
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read operation response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		g.logger.Error().Int("status", resp.StatusCode).Str("url", url).Str("body", strings.TrimSpace(string(body))).Msg("operation refused")
		return fmt.Errorf("%w: %s returned %s", ErrBadResponse, url, resp.Status)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode operation response: %v", ErrBadResponse, err)
	}
	return nil
}
